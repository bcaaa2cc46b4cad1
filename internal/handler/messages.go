package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.MessageService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// deliveryFailure is returned when the message was stored but the channel
// refused it.
type deliveryFailure struct {
	Error   string         `json:"error"`
	Message *model.Message `json:"message"`
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.List(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Send(ctx, id, middleware.GetAgentID(ctx), &req)
	if err != nil {
		if resp != nil && errors.Is(err, service.ErrDeliveryFailed) {
			middleware.GetLogger(ctx, h.logger).Warn("message stored but not delivered",
				zap.String("conversation_id", id), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, &deliveryFailure{
				Error:   err.Error(),
				Message: resp.Message,
			})
			return
		}
		writeServiceError(w, r, h.logger, "failed to send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
