package handler

import (
	"net/http"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// SettingsHandler handles the organisation settings document.
type SettingsHandler struct {
	settings *service.SettingsService
	logger   *logger.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(settings *service.SettingsService, log *logger.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		logger:   log,
	}
}

// Get handles GET /api/v1/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Get(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load settings", err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

// Update handles PATCH /api/v1/settings
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req model.UpdateSettingsRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := h.settings.Update(ctx, &req, middleware.GetAgentID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to save settings", err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}
