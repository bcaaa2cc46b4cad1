// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service  *service.ConversationService
	agents   *service.AgentService
	settings *service.SettingsService
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(
	svc *service.ConversationService,
	agents *service.AgentService,
	settings *service.SettingsService,
	log *logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		service:  svc,
		agents:   agents,
		settings: settings,
		logger:   log,
	}
}

// conversationID reads and validates the {id} path parameter.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// inboxFilter reads ?filter=, defaulting to ALL.
func inboxFilter(w http.ResponseWriter, r *http.Request) (model.InboxFilter, bool) {
	filter := model.InboxFilter(strings.ToUpper(r.URL.Query().Get("filter")))
	if filter == "" {
		filter = model.InboxAll
	}
	if !filter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown filter")
		return "", false
	}
	return filter, true
}

// List handles GET /api/v1/conversations?filter=ALL|MINE|UNASSIGNED|CLOSED
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, ok := inboxFilter(w, r)
	if !ok {
		return
	}

	convs, err := h.service.List(ctx, filter, middleware.GetAgentID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Assign handles POST /api/v1/conversations/{id}/assign
// An empty body assigns the conversation to the caller.
func (h *ConversationHandler) Assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.AssignRequest
	if r.ContentLength != 0 {
		if err := middleware.DecodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.AgentID == "" {
		req.AgentID = middleware.GetAgentID(ctx)
	}

	conv, err := h.service.Assign(ctx, id, req.AgentID)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to assign conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Transfer handles POST /api/v1/conversations/{id}/transfer
func (h *ConversationHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.TransferRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.agents.Get(ctx, req.ToAgentID); err != nil {
		writeServiceError(w, r, h.logger, "failed to load target agent", err)
		return
	}

	conv, err := h.service.Transfer(ctx, id, callerName(r, h.agents), req.ToAgentID)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to transfer conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Close handles POST /api/v1/conversations/{id}/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.CloseRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Close(r.Context(), id, req.Disposition, req.Note)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to close conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Transcript handles GET /api/v1/conversations/{id}/transcript
// It renders the citizen-facing transcript as plain text in the
// organisation's time zone.
func (h *ConversationHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	msgs, _, err := h.service.Messages(ctx, id, true)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load transcript", err)
		return
	}
	settings, err := h.settings.Get(ctx)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load settings", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="conversacion-`+id+`.txt"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(model.Transcript(msgs, service.Location(settings))))
}

// callerName is the display name of the authenticated agent, falling back to
// the identity claims when no agent record exists yet.
func callerName(r *http.Request, agents *service.AgentService) string {
	ctx := r.Context()
	if agent, err := agents.Get(ctx, middleware.GetAgentID(ctx)); err == nil && agent.DisplayName != "" {
		return agent.DisplayName
	}
	if id := middleware.GetIdentity(ctx); id != nil {
		if id.Name != "" {
			return id.Name
		}
		if id.Email != "" {
			return id.Email
		}
	}
	return "un agente"
}
