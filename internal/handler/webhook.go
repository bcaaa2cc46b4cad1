package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

// WebhookHandler receives WhatsApp Cloud API notifications.
type WebhookHandler struct {
	inbound     *service.InboundService
	verifyToken string
	logger      *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(inbound *service.InboundService, verifyToken string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		inbound:     inbound,
		verifyToken: verifyToken,
		logger:      log,
	}
}

// Verify handles GET /webhook/whatsapp, the subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// Receive handles POST /webhook/whatsapp
// The provider retries anything but a 200, so every message is acknowledged
// and failures are only logged and counted.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.GetLogger(ctx, h.logger)

	var env whatsapp.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, middleware.MaxBodyBytes)).Decode(&env); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		log.Warn("undecodable webhook payload", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, in := range env.Messages() {
		res, err := h.inbound.WhatsApp(ctx, in)
		switch {
		case errors.Is(err, service.ErrChannelUnavailable):
			metrics.WebhookEvents.WithLabelValues("disabled").Inc()
			log.Info("whatsapp channel disabled, message dropped", zap.String("message_id", in.MessageID))
		case err != nil:
			metrics.WebhookEvents.WithLabelValues("error").Inc()
			log.Error("failed to process webhook message",
				zap.String("message_id", in.MessageID),
				zap.String("from", in.From),
				zap.Error(err),
			)
		case res.Duplicate:
			metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		default:
			metrics.WebhookEvents.WithLabelValues("processed").Inc()
		}
	}

	w.WriteHeader(http.StatusOK)
}
