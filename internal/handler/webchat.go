package handler

import (
	"net/http"
	"strings"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// WebChatHandler serves the public web widget.
type WebChatHandler struct {
	inbound *service.InboundService
	logger  *logger.Logger
}

// NewWebChatHandler creates a new web chat handler.
func NewWebChatHandler(inbound *service.InboundService, log *logger.Logger) *WebChatHandler {
	return &WebChatHandler{
		inbound: inbound,
		logger:  log,
	}
}

// Start handles POST /public/v1/webchat
func (h *WebChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req model.StartWebChatRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.inbound.StartWebChat(r.Context(), strings.TrimSpace(req.Name), req.Phone)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to start chat", err)
		return
	}

	status := http.StatusOK
	if resp.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// Message handles POST /public/v1/webchat/{id}/messages
func (h *WebChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.CitizenMessageRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.inbound.WebMessage(r.Context(), id, req.CitizenID, req.Content)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Transcript handles GET /public/v1/webchat/{id}/messages?citizen_id=
func (h *WebChatHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	citizenID := strings.TrimSpace(r.URL.Query().Get("citizen_id"))
	if citizenID == "" {
		writeError(w, http.StatusBadRequest, "citizen_id is required")
		return
	}

	msgs, last, err := h.inbound.WebTranscript(r.Context(), id, citizenID)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load messages", err)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs, LastSequence: last})
}
