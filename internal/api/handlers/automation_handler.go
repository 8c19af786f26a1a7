package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/automation"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/platform/models"
)

type TaskRunner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

type AutomationHandler struct {
	catalog *automation.Catalog
	engine  *automation.Engine
	tasks   TaskRunner
}

func NewAutomationHandler(catalog *automation.Catalog, engine *automation.Engine, tasks TaskRunner) *AutomationHandler {
	return &AutomationHandler{catalog: catalog, engine: engine, tasks: tasks}
}

func (h *AutomationHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	flow, err := h.catalog.Create(r.Context(), apiContext.TenantID(r.Context()), raw)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, flow)
}

func (h *AutomationHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.catalog.List(r.Context(), apiContext.TenantID(r.Context()))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if flows == nil {
		flows = []*models.AutomationFlow{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"flows": flows})
}

func (h *AutomationHandler) DeactivateFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Deactivate(r.Context(), apiContext.TenantID(r.Context()), apiContext.Param(r, "flow_id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AutomationHandler) Executions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	execs, err := h.catalog.Executions(r.Context(), apiContext.TenantID(r.Context()), apiContext.Param(r, "flow_id"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*models.AutomationExecution{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

// Trigger lets the CRM raise lead events. Flows run in the background.
func (h *AutomationHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    models.TriggerType     `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unknown trigger type", nil)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}

	tenantID := apiContext.TenantID(r.Context())
	h.tasks.Go(r.Context(), "automation:"+string(req.Type), func(ctx context.Context) error {
		_, err := h.engine.Fire(ctx, tenantID, req.Type, req.Payload)
		return err
	})
	errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}
