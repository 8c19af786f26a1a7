package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/engine/metrics"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/platform/models"
)

type CounterStore interface {
	ListByTenant(ctx context.Context, tenantID, since string) ([]*models.Counter, error)
}

type MetricsHandler struct {
	buffer   *metrics.Buffer
	counters CounterStore
}

func NewMetricsHandler(buffer *metrics.Buffer, counters CounterStore) *MetricsHandler {
	return &MetricsHandler{buffer: buffer, counters: counters}
}

// Export serves the counters of this process in the Prometheus text format.
func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := h.buffer.WriteText(w); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("metrics export interrupted")
	}
}

// Tenant returns the tenant's persisted daily counters, by default for the
// last 30 days.
func (h *MetricsHandler) Tenant(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		since = time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", since); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "since must be YYYY-MM-DD", nil)
		return
	}

	counters, err := h.counters.ListByTenant(r.Context(), apiContext.TenantID(r.Context()), since)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if counters == nil {
		counters = []*models.Counter{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"since": since, "counters": counters})
}
