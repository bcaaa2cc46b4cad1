package handler

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/realtime"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

const defaultHeartbeat = 30 * time.Second

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	hub           *realtime.Hub
	conversations *service.ConversationService
	heartbeat     time.Duration
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(hub *realtime.Hub, conversations *service.ConversationService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:           hub,
		conversations: conversations,
		heartbeat:     defaultHeartbeat,
		logger:        log,
	}
}

// Conversations handles GET /api/v1/stream/conversations?filter=
// Each event carries the full, ordered list matching the filter.
func (h *StreamHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter, ok := inboxFilter(w, r)
	if !ok {
		return
	}
	agentID := middleware.GetAgentID(ctx)

	sub, err := h.hub.SubscribeConversations(ctx, filter, agentID)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to subscribe", err)
		return
	}
	defer sub.Close()

	serve(w, r, h, sub, model.EventConversations, map[string]string{
		"filter":   string(filter),
		"agent_id": agentID,
	})
}

// Messages handles GET /api/v1/conversations/{id}/stream
// Agents see the whole transcript, internal notes included.
func (h *StreamHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	sub, err := h.hub.SubscribeMessages(r.Context(), id, false)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to subscribe", err)
		return
	}
	defer sub.Close()

	serve(w, r, h, sub, model.EventMessages, map[string]string{"conversation_id": id})
}

// WebChat handles GET /public/v1/webchat/{id}/stream?citizen_id=
// The widget only ever receives the citizen view of its own conversation.
func (h *StreamHandler) WebChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	citizenID := strings.TrimSpace(r.URL.Query().Get("citizen_id"))
	if citizenID == "" {
		writeError(w, http.StatusBadRequest, "citizen_id is required")
		return
	}
	conv, err := h.conversations.Get(ctx, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load conversation", err)
		return
	}
	if conv.CitizenID != citizenID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	sub, err := h.hub.SubscribeMessages(ctx, id, true)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to subscribe", err)
		return
	}
	defer sub.Close()

	serve(w, r, h, sub, model.EventMessages, map[string]string{"conversation_id": id})
}

// serve pumps snapshots from sub to the client until either side goes away.
func serve[T any](
	w http.ResponseWriter,
	r *http.Request,
	h *StreamHandler,
	sub *realtime.Subscription[T],
	event model.EventType,
	hello map[string]string,
) {
	ctx := r.Context()
	log := middleware.GetLogger(ctx, h.logger)

	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	if err := sendSSEEvent(w, flusher, string(model.EventConnected), hello); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					log.Warn("subscription ended", zap.String("event", string(event)), zap.Error(err))
					sendSSEEvent(w, flusher, string(model.EventError), &model.ErrorEvent{
						Code:    "subscription_ended",
						Message: "Live updates interrupted, reconnect to resume",
					})
				}
				return
			}
			if err := sendSSEEvent(w, flusher, string(event), snap); err != nil {
				log.Debug("client went away", zap.Error(err))
				return
			}
		case t := <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, string(model.EventHeartbeat), &model.HeartbeatEvent{
				Timestamp: t.UTC(),
			}); err != nil {
				return
			}
		}
	}
}
