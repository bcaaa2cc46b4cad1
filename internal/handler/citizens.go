package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// CitizenHandler handles citizen profile endpoints.
type CitizenHandler struct {
	citizens      *service.CitizenService
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewCitizenHandler creates a new citizen handler.
func NewCitizenHandler(citizens *service.CitizenService, conversations *service.ConversationService, log *logger.Logger) *CitizenHandler {
	return &CitizenHandler{
		citizens:      citizens,
		conversations: conversations,
		logger:        log,
	}
}

// Get handles GET /api/v1/citizens/{citizenID}
func (h *CitizenHandler) Get(w http.ResponseWriter, r *http.Request) {
	citizen, err := h.citizens.Get(r.Context(), chi.URLParam(r, "citizenID"))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get citizen", err)
		return
	}

	writeJSON(w, http.StatusOK, citizen)
}

// Update handles PATCH /api/v1/citizens/{citizenID}
// Only notes and tags are editable.
func (h *CitizenHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCitizenRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	citizen, err := h.citizens.Update(r.Context(), chi.URLParam(r, "citizenID"), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to update citizen", err)
		return
	}

	writeJSON(w, http.StatusOK, citizen)
}

// History handles GET /api/v1/citizens/{citizenID}/history
func (h *CitizenHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "citizenID")
	if _, err := h.citizens.Get(ctx, id); err != nil {
		writeServiceError(w, r, h.logger, "failed to get citizen", err)
		return
	}

	convs, err := h.conversations.History(ctx, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load history", err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	})
}
