package handlers

import (
	"net/http"

	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/campaigns"
	"msggateway/internal/pkg/errors"
)

type CampaignHandler struct {
	runner *campaigns.Runner
}

func NewCampaignHandler(runner *campaigns.Runner) *CampaignHandler {
	return &CampaignHandler{runner: runner}
}

func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []string `json:"recipients"`
		Message    string   `json:"message"`
		MediaURL   string   `json:"media_url"`
		MediaType  string   `json:"media_type"`
	}
	if !decode(w, r, &req) {
		return
	}

	p, err := h.runner.Start(r.Context(), campaigns.Campaign{
		TenantID:   apiContext.TenantID(r.Context()),
		Recipients: req.Recipients,
		Text:       req.Message,
		MediaURL:   req.MediaURL,
		MediaType:  req.MediaType,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": p.ID,
		"recipients":  p.Total,
	})
}

func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.runner.Progress(apiContext.TenantID(r.Context()), apiContext.Param(r, "campaign_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, p)
}
