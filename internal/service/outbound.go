package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

// OutboundService delivers messages to the citizen's WhatsApp chat.
type OutboundService struct {
	sender whatsapp.Sender
	logger *logger.Logger
}

// NewOutboundService creates a new outbound service. A nil sender leaves the
// channel unavailable.
func NewOutboundService(sender whatsapp.Sender, log *logger.Logger) *OutboundService {
	return &OutboundService{sender: sender, logger: log}
}

// Configured reports whether the channel has credentials.
func (s *OutboundService) Configured() bool {
	return s.sender != nil && s.sender.Configured()
}

// Send delivers one message.
func (s *OutboundService) Send(ctx context.Context, msg whatsapp.Outbound) error {
	kind := string(msg.Kind())
	if !s.Configured() {
		metrics.OutboundDeliveries.WithLabelValues(kind, "unconfigured").Inc()
		return ErrChannelUnavailable
	}
	if msg.To == "" || (msg.Text == "" && msg.MediaURL == "") {
		return fmt.Errorf("%w: recipient and content are required", ErrValidation)
	}

	ctx, span := tracer.Start(ctx, "outbound.send")
	defer span.End()

	if err := s.sender.Send(ctx, msg); err != nil {
		span.RecordError(err)
		metrics.OutboundDeliveries.WithLabelValues(kind, "failure").Inc()
		s.logger.Error("outbound delivery failed",
			zap.String("kind", kind),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	metrics.OutboundDeliveries.WithLabelValues(kind, "success").Inc()
	return nil
}

// Deliver sends a stored message to the citizen. Each attachment goes out as
// its own media message with the text as caption of the first one.
func (s *OutboundService) Deliver(ctx context.Context, to string, msg *model.Message) error {
	if len(msg.Attachments) == 0 {
		return s.Send(ctx, whatsapp.Outbound{To: to, Text: msg.Content})
	}
	for i, url := range msg.Attachments {
		out := whatsapp.Outbound{To: to, MediaURL: url}
		if i == 0 {
			out.Text = msg.Content
		}
		if err := s.Send(ctx, out); err != nil {
			return err
		}
	}
	return nil
}
