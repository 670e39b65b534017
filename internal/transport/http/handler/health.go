package handler

import (
	"context"
	"net/http"

	"github.com/go-api-guard/internal/domain"
	"github.com/go-chi/chi/v5"
)

// HealthReporter reports the health of each security service by name.
type HealthReporter interface {
	Health(ctx context.Context) map[string]domain.Health
}

// HealthHandler handles health-check endpoints.
type HealthHandler struct {
	reporter HealthReporter
}

func NewHealthHandler(reporter HealthReporter) *HealthHandler {
	return &HealthHandler{reporter: reporter}
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if action == "ping" {
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
		return
	}
	writeError(w, http.StatusBadRequest, "unknown action")
}

// Health answers 503 only when a service is unhealthy; a degraded service is
// still serving from its fallback.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	services := h.reporter.Health(r.Context())
	overall := domain.StatusHealthy
	for _, s := range services {
		switch s.Status {
		case domain.StatusUnhealthy:
			overall = domain.StatusUnhealthy
		case domain.StatusDegraded:
			if overall == domain.StatusHealthy {
				overall = domain.StatusDegraded
			}
		}
	}
	status := http.StatusOK
	if overall == domain.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthEnvelope{Status: overall, Services: services})
}
