package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// MessageService handles the agent side of a conversation transcript.
type MessageService struct {
	conversations *ConversationService
	outbound      *OutboundService
	logger        *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(conversations *ConversationService, outbound *OutboundService, log *logger.Logger) *MessageService {
	return &MessageService{
		conversations: conversations,
		outbound:      outbound,
		logger:        log,
	}
}

// List returns the agent view of a transcript, internal notes included.
func (s *MessageService) List(ctx context.Context, conversationID string) (*model.ListMessagesResponse, error) {
	msgs, last, err := s.conversations.Messages(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{Messages: msgs, LastSequence: last}, nil
}

// Send appends an agent message. An unassigned conversation is first
// assigned to the sender. Non-internal messages on WhatsApp conversations are
// then delivered to the citizen; a delivery failure is returned with the
// stored message.
func (s *MessageService) Send(ctx context.Context, conversationID, agentID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	ctx, span := tracer.Start(ctx, "message.send")
	defer span.End()

	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("%w: content or attachments required", ErrValidation)
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() && !req.IsInternal {
		return nil, ErrConversationClosed
	}

	if conv.AssignedTo() == "" && !req.IsInternal {
		_, err := s.conversations.Assign(ctx, conversationID, agentID)
		switch {
		case err == nil:
		case errors.Is(err, ErrConcurrentModification):
			s.logger.WithConversation(conversationID).Info("conversation taken by another agent before first reply",
				zap.String("agent_id", agentID),
			)
		default:
			return nil, err
		}
	}

	msg, err := s.conversations.Ingest(ctx, IngestRequest{
		ConversationID: conversationID,
		SenderType:     model.SenderAgent,
		SenderID:       strPtr(agentID),
		Content:        req.Content,
		Attachments:    req.Attachments,
		IsInternal:     req.IsInternal,
	})
	if err != nil && !IsStale(err) {
		span.RecordError(err)
		return nil, err
	}
	resp := &model.SendMessageResponse{Message: msg}

	if req.IsInternal || conv.SourceChannel != model.ChannelWhatsApp {
		return resp, nil
	}
	if err := s.outbound.Deliver(ctx, conv.CitizenID, msg); err != nil {
		if errors.Is(err, ErrChannelUnavailable) {
			s.logger.WithConversation(conversationID).Warn("whatsapp channel not configured, message stored only")
			return resp, nil
		}
		span.RecordError(err)
		return resp, err
	}
	resp.Delivered = true
	return resp, nil
}
