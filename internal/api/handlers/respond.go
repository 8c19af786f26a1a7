package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/automation"
	"msggateway/internal/engine/campaigns"
	"msggateway/internal/engine/connections"
	"msggateway/internal/engine/outbound"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/pkg/sanitize"
)

const maxBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return false
	}
	return true
}

// writeEngineError maps engine errors onto the HTTP error envelope. Anything
// unrecognised is logged and reported as an internal error.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var sendErr *outbound.SendError
	var flowErr *automation.FlowError

	switch {
	case stderrors.As(err, &flowErr):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid flow definition", flowErr.Causes)
	case stderrors.Is(err, automation.ErrInvalidFlow),
		stderrors.Is(err, outbound.ErrInvalidRequest),
		stderrors.Is(err, campaigns.ErrNoRecipients),
		stderrors.Is(err, campaigns.ErrTooMany),
		stderrors.Is(err, campaigns.ErrEmptyMessage):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, sanitize.Error(err), nil)
	case stderrors.Is(err, providers.ErrUnsupportedProvider):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeUnsupportedProvider, sanitize.Error(err), nil)
	case stderrors.Is(err, connections.ErrNotConnected):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeNotConnected, "Tenant has no active connection", nil)
	case stderrors.Is(err, connections.ErrNotFound),
		stderrors.Is(err, connections.ErrNoQRCode),
		stderrors.Is(err, automation.ErrFlowNotFound),
		stderrors.Is(err, campaigns.ErrUnknownCampaign):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, sanitize.Error(err), nil)
	case stderrors.As(err, &sendErr):
		code := errors.ErrCodeSendFailed
		if stderrors.Is(err, providers.ErrInvalidCredentials) {
			code = errors.ErrCodeInvalidCredentials
		}
		errors.WriteError(w, http.StatusBadGateway, code, sendErr.Reason, map[string]interface{}{
			"message_id": sendErr.MessageID,
			"attempts":   sendErr.Attempts,
		})
	case stderrors.Is(err, providers.ErrInvalidCredentials):
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeInvalidCredentials, sanitize.Error(err), nil)
	case stderrors.Is(err, providers.ErrProviderUnavailable):
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeProviderUnavailable, sanitize.Error(err), nil)
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
	}
}
