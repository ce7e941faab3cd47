package handler

import (
	"net/http"
	"time"
)

type HealthHandler struct {
	environment string
	started     time.Time
	now         func() time.Time
}

func NewHealthHandler(environment string) *HealthHandler {
	return &HealthHandler{environment: environment, started: time.Now(), now: time.Now}
}

// GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   now.UTC().Format(time.RFC3339),
		"uptime":      now.Sub(h.started).Seconds(),
		"environment": h.environment,
	})
}
