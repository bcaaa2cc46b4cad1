package handler

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// OutboundHandler relays console messages to the WhatsApp channel.
type OutboundHandler struct {
	outbound *service.OutboundService
	logger   *logger.Logger
}

// NewOutboundHandler creates a new outbound handler.
func NewOutboundHandler(outbound *service.OutboundService, log *logger.Logger) *OutboundHandler {
	return &OutboundHandler{
		outbound: outbound,
		logger:   log,
	}
}

// Send handles POST /api/v1/outbound/whatsapp
func (h *OutboundHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.OutboundSendRequest
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || (strings.TrimSpace(req.Text) == "" && req.MediaURL == "") {
		writeError(w, http.StatusBadRequest, "to and either text or mediaUrl are required")
		return
	}
	if !h.outbound.Configured() {
		writeError(w, http.StatusServiceUnavailable, "whatsapp channel not configured")
		return
	}
	if req.SenderAgentID == "" {
		req.SenderAgentID = middleware.GetAgentID(ctx)
	}

	err := h.outbound.Send(ctx, whatsapp.Outbound{
		To:       req.To,
		Text:     req.Text,
		MediaURL: req.MediaURL,
	})
	if err != nil {
		middleware.GetLogger(ctx, h.logger).Warn("outbound send failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("agent_id", req.SenderAgentID),
			zap.Error(err),
		)
		writeServiceError(w, r, h.logger, "failed to send message", err)
		return
	}

	writeJSON(w, http.StatusOK, &model.OutboundSendResponse{
		Success: true,
		Agent:   req.SenderAgentID,
	})
}
