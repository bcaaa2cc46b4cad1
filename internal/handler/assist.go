package handler

import (
	"net/http"

	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// AssistHandler exposes the AI assistant to the console.
type AssistHandler struct {
	assistant *service.Assistant
	logger    *logger.Logger
}

// NewAssistHandler creates a new assistant handler.
func NewAssistHandler(assistant *service.Assistant, log *logger.Logger) *AssistHandler {
	return &AssistHandler{
		assistant: assistant,
		logger:    log,
	}
}

// SmartReply handles POST /api/v1/conversations/{id}/assist/reply
func (h *AssistHandler) SmartReply(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	suggestion, err := h.assistant.SmartReply(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to draft reply", err)
		return
	}

	writeJSON(w, http.StatusOK, suggestion)
}

// Intent handles POST /api/v1/conversations/{id}/assist/intent
func (h *AssistHandler) Intent(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	intent, err := h.assistant.DetectIntent(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to detect intent", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"intent": intent})
}

// Analyze handles POST /api/v1/conversations/{id}/assist/analysis
func (h *AssistHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	analysis, err := h.assistant.AnalyzeCase(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to analyze conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}
