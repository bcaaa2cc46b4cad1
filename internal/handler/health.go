package handler

import (
	"net/http"
)

// Pinger reports whether a backing connection is up.
type Pinger interface {
	IsConnected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	storage Pinger
}

// NewHealthHandler creates a new health handler. A nil storage means the
// process runs on in-memory storage and is always ready.
func NewHealthHandler(storage Pinger) *HealthHandler {
	return &HealthHandler{
		storage: storage,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.storage != nil && !h.storage.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
