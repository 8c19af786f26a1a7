package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"msggateway/internal/engine/providers"
	"msggateway/internal/pkg/sanitize"
	"msggateway/internal/platform/database"
)

type HealthHandler struct {
	db       *database.DB
	registry *providers.Registry
}

func NewHealthHandler(db *database.DB, registry *providers.Registry) *HealthHandler {
	return &HealthHandler{db: db, registry: registry}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("database ping failed")
		checks["database"] = "unhealthy: " + sanitize.Error(err)
	} else {
		checks["database"] = "healthy"
	}

	checks["providers"] = strings.Join(h.registry.Names(), ",")

	status := "healthy"
	for _, check := range checks {
		if strings.HasPrefix(check, "unhealthy") {
			status = "degraded"
			break
		}
	}

	response := struct {
		Status    string            `json:"status"`
		Timestamp int64             `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
