package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// AgentHandler handles agent directory and session endpoints.
type AgentHandler struct {
	agents *service.AgentService
	logger *logger.Logger
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(agents *service.AgentService, log *logger.Logger) *AgentHandler {
	return &AgentHandler{
		agents: agents,
		logger: log,
	}
}

// StartSession handles POST /api/v1/session
// It reconciles the signed-in identity with its agent record and marks the
// agent online.
func (h *AgentHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.GetIdentity(ctx)
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if _, err := h.agents.Reconcile(ctx, id); err != nil {
		writeServiceError(w, r, h.logger, "failed to start session", err)
		return
	}
	agent, err := h.agents.SetPresence(ctx, id.UID, true)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to start session", err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// EndSession handles DELETE /api/v1/session
func (h *AgentHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.agents.SetPresence(ctx, middleware.GetAgentID(ctx), false); err != nil {
		writeServiceError(w, r, h.logger, "failed to end session", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/agents/me
func (h *AgentHandler) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, err := h.agents.Get(ctx, middleware.GetAgentID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get agent", err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// List handles GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list agents", err)
		return
	}

	writeJSON(w, http.StatusOK, agents)
}

// Provision handles POST /api/v1/agents
func (h *AgentHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req model.ProvisionAgentRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := h.agents.Provision(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to provision agent", err)
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

// Delete handles DELETE /api/v1/agents/{agentID}
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.agents.Delete(ctx, chi.URLParam(r, "agentID"), middleware.GetAgentID(ctx)); err != nil {
		writeServiceError(w, r, h.logger, "failed to delete agent", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
