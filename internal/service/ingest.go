package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

// Sender IDs used for messages written by the system itself.
const (
	SystemSenderID    = "system"
	AutoReplySenderID = "system_auto_reply"
)

// IngestRequest describes a message to append to a conversation.
type IngestRequest struct {
	ConversationID string
	SenderType     model.SenderType
	SenderID       *string
	Content        string
	Attachments    []string
	Location       *model.Location
	IsInternal     bool

	// skipUnread is set for the message that created the conversation, which
	// already starts with one unread message.
	skipUnread bool
}

func (r *IngestRequest) validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("%w: conversation is required", ErrValidation)
	}
	if !r.SenderType.Valid() {
		return fmt.Errorf("%w: unknown sender type %q", ErrValidation, r.SenderType)
	}
	if r.IsInternal && r.SenderType != model.SenderAgent {
		return fmt.Errorf("%w: only agents can write internal notes", ErrValidation)
	}
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 && r.Location == nil {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	return nil
}

// Ingest appends a message and then updates the parent conversation's
// activity fields. The message is never rolled back: when the conversation
// update fails the stored message is returned together with an error
// wrapping ErrConversationStale.
func (s *ConversationService) Ingest(ctx context.Context, req IngestRequest) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "conversation.ingest", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("sender.type", string(req.SenderType)),
		attribute.Bool("internal", req.IsInternal),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	conv, err := s.load(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Closed() && !req.IsInternal {
		return nil, ErrConversationClosed
	}

	msg := &model.Message{
		ID:             newID(),
		ConversationID: req.ConversationID,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Location:       req.Location,
		IsInternal:     req.IsInternal,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	rec, err := s.msgs.Append(ctx, req.ConversationID, string(req.SenderType), data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	msg.CreatedAt = rec.Time
	msg.Sequence = rec.Sequence
	metrics.MessagesIngested.WithLabelValues(string(req.SenderType), strconv.FormatBool(req.IsInternal)).Inc()

	_, err = s.update(ctx, req.ConversationID, func(c *model.Conversation) error {
		return s.applyActivity(c, &req, msg)
	})
	if err != nil {
		span.RecordError(err)
		s.logger.WithConversation(req.ConversationID).Error("message stored but conversation not updated",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return msg, fmt.Errorf("%w: %w", ErrConversationStale, err)
	}

	s.logger.WithConversation(req.ConversationID).Debug("message ingested",
		zap.String("message_id", msg.ID),
		zap.String("sender_type", string(req.SenderType)),
	)
	return msg, nil
}

// applyActivity updates the conversation for a newly appended message.
func (s *ConversationService) applyActivity(c *model.Conversation, req *IngestRequest, msg *model.Message) error {
	now := s.now()
	switch {
	case req.IsInternal || req.SenderType == model.SenderBot:
		c.UpdatedAt = now

	case c.Closed():
		// Closed between the precondition check and this update.
		return ErrConversationClosed

	case req.SenderType == model.SenderCitizen:
		if msg.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = msg.CreatedAt
		}
		if !req.skipUnread {
			c.UnreadCount++
		}
		c.UpdatedAt = now

	case req.SenderType == model.SenderAgent:
		if msg.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = msg.CreatedAt
		}
		if c.Status == model.StatusOpen {
			c.Status = model.StatusInProgress
		}
		c.UpdatedAt = now
	}
	return nil
}

// Messages returns a conversation's transcript in creation order. The
// citizen view omits internal notes. The second result is the highest log
// sequence read, usable as a resume point for a live follow.
func (s *ConversationService) Messages(ctx context.Context, conversationID string, citizenView bool) ([]model.Message, uint64, error) {
	if _, err := s.load(ctx, conversationID); err != nil {
		return nil, 0, err
	}
	recs, err := s.msgs.Read(ctx, conversationID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read messages: %w", err)
	}
	var last uint64
	msgs := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		if rec.Sequence > last {
			last = rec.Sequence
		}
		m, err := DecodeMessage(rec)
		if err != nil {
			s.logger.WithConversation(conversationID).Warn("skipping undecodable message",
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err),
			)
			continue
		}
		msgs = append(msgs, *m)
	}
	SortMessages(msgs)
	if citizenView {
		msgs = model.CitizenView(msgs)
	}
	return msgs, last, nil
}

// SetIntent records the last intent detected for a conversation.
func (s *ConversationService) SetIntent(ctx context.Context, id, intent string) error {
	_, err := s.update(ctx, id, func(c *model.Conversation) error {
		if c.LastDetectedIntent != nil && *c.LastDetectedIntent == intent {
			return errUnchanged
		}
		c.LastDetectedIntent = strPtr(intent)
		return nil
	})
	return err
}

// DecodeMessage decodes a log record, taking the creation time and sequence
// from the record itself.
func DecodeMessage(rec store.Record) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return nil, fmt.Errorf("decode message %d: %w", rec.Sequence, err)
	}
	m.CreatedAt = rec.Time
	m.Sequence = rec.Sequence
	return &m, nil
}

// SortMessages orders messages by creation time, ties broken by log order.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
}

// IsStale reports whether err only signals a stale conversation after a
// successful message append.
func IsStale(err error) bool {
	return errors.Is(err, ErrConversationStale)
}
