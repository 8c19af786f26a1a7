package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/connections"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/platform/models"
)

type ConnectionHandler struct {
	svc *connections.Service
}

func NewConnectionHandler(svc *connections.Service) *ConnectionHandler {
	return &ConnectionHandler{svc: svc}
}

type connectionResponse struct {
	ConnectionID string                  `json:"connection_id"`
	Provider     string                  `json:"provider"`
	Status       models.ConnectionStatus `json:"status"`
	PhoneNumber  *string                 `json:"phone_number"`
	QRPayload    *string                 `json:"qr_payload"`
	LastError    string                  `json:"last_error,omitempty"`
	WebhookURL   string                  `json:"webhook_url,omitempty"`
}

func (h *ConnectionHandler) view(conn *models.Connection) connectionResponse {
	return connectionResponse{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		Status:       conn.Status,
		PhoneNumber:  conn.PhoneNumber,
		QRPayload:    conn.QRPayload,
		LastError:    conn.LastError,
		WebhookURL:   h.svc.WebhookURL(conn),
	}
}

func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider    string            `json:"provider"`
		Credentials map[string]string `json:"credentials"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Provider == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "provider is required", nil)
		return
	}

	conn, err := h.svc.Connect(r.Context(), apiContext.TenantID(r.Context()), req.Provider, models.Credentials(req.Credentials))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, h.view(conn))
}

func (h *ConnectionHandler) Status(w http.ResponseWriter, r *http.Request) {
	conn, err := h.svc.Status(r.Context(), apiContext.TenantID(r.Context()))
	if stderrors.Is(err, connections.ErrNotFound) {
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":       models.ConnectionDisconnected,
			"phone_number": nil,
			"qr_payload":   nil,
		})
		return
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, h.view(conn))
}

func (h *ConnectionHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	png, err := h.svc.QRCodePNG(r.Context(), apiContext.TenantID(r.Context()), size)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.svc.Disconnect(r.Context(), apiContext.TenantID(r.Context()))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": conn.ID,
		"status":        conn.Status,
	})
}
