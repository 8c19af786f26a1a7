package handlers

import (
	"net/http"

	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/outbound"
	"msggateway/internal/pkg/errors"
)

type MessageHandler struct {
	sender *outbound.Sender
}

func NewMessageHandler(sender *outbound.Sender) *MessageHandler {
	return &MessageHandler{sender: sender}
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone           string `json:"phone"`
		Message         string `json:"message"`
		MediaURL        string `json:"media_url"`
		MediaType       string `json:"media_type"`
		Caption         string `json:"caption"`
		ClientMessageID string `json:"client_message_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); req.ClientMessageID == "" && key != "" {
		req.ClientMessageID = key
	}

	res, err := h.sender.Send(r.Context(), outbound.Request{
		TenantID:        apiContext.TenantID(r.Context()),
		Phone:           req.Phone,
		Text:            req.Message,
		MediaURL:        req.MediaURL,
		MediaType:       req.MediaType,
		Caption:         req.Caption,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	errors.WriteJSON(w, status, res)
}
