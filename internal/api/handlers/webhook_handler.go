package handlers

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/inbound"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/errors"
)

const maxWebhookBody = 5 << 20

type WebhookHandler struct {
	pipeline *inbound.Pipeline
}

func NewWebhookHandler(pipeline *inbound.Pipeline) *WebhookHandler {
	return &WebhookHandler{pipeline: pipeline}
}

// Receive acknowledges every delivery it could attempt to process. Only an
// unknown provider or a bad signature is refused.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := apiContext.Param(r, "provider")
	secret := apiContext.Param(r, "secret")
	logger := log.Ctx(r.Context()).With().Str("provider", provider).Logger()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read webhook body")
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	res, err := h.pipeline.Handle(logger.WithContext(r.Context()), provider, secret, raw, r.Header)
	switch {
	case stderrors.Is(err, providers.ErrUnsupportedProvider):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeUnsupportedProvider, "Unsupported provider", nil)
		return
	case stderrors.Is(err, inbound.ErrInvalidSignature):
		errors.WriteError(w, http.StatusForbidden, errors.ErrCodeInvalidSignature, "Invalid signature", nil)
		return
	case err != nil:
		logger.Error().Err(err).Msg("webhook processing failed")
	}

	body := map[string]interface{}{"received": true}
	if res != nil {
		body["outcome"] = res.Outcome
	}
	errors.WriteJSON(w, http.StatusOK, body)
}

// Verify answers the subscription handshake some providers perform before
// delivering events.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := h.pipeline.Verify(r.Context(),
		apiContext.Param(r, "provider"), apiContext.Param(r, "secret"),
		q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if err != nil {
		if stderrors.Is(err, providers.ErrUnsupportedProvider) {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeUnsupportedProvider, "Unsupported provider", nil)
			return
		}
		if !stderrors.Is(err, inbound.ErrInvalidSignature) && !stderrors.Is(err, inbound.ErrUnknownInstance) {
			log.Ctx(r.Context()).Error().Err(err).Msg("webhook verification failed")
		}
		errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Verification failed", nil)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}
