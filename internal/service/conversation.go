package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

// ConversationService owns the conversation state machine: routing of
// inbound contacts, message ingestion, assignment, transfer and closure.
type ConversationService struct {
	docs   store.Documents
	msgs   store.MessageLog
	now    Clock
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. A nil clock
// uses the wall clock in UTC.
func NewConversationService(docs store.Documents, msgs store.MessageLog, now Clock, log *logger.Logger) *ConversationService {
	if now == nil {
		now = utcNow
	}
	return &ConversationService{
		docs:   docs,
		msgs:   msgs,
		now:    now,
		logger: log,
	}
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.load(ctx, id)
}

// List returns the conversations in the inbox view, most recent activity first.
func (s *ConversationService) List(ctx context.Context, filter model.InboxFilter, agentID string) ([]model.Conversation, error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("%w: unknown filter %q", ErrValidation, filter)
	}
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(all))
	for i := range all {
		if filter.Matches(&all[i], agentID) {
			out = append(out, all[i])
		}
	}
	SortByActivity(out)
	return out, nil
}

// SortByActivity orders conversations by lastMessageAt descending.
func SortByActivity(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})
}

func (s *ConversationService) all(ctx context.Context) ([]model.Conversation, error) {
	entries, err := s.docs.List(ctx, store.BucketConversations)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]model.Conversation, 0, len(entries))
	for _, e := range entries {
		conv, err := DecodeConversation(e)
		if err != nil {
			s.logger.Warn("skipping undecodable conversation", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (s *ConversationService) load(ctx context.Context, id string) (*model.Conversation, error) {
	conv, rev, err := store.GetJSON[model.Conversation](ctx, s.docs, store.BucketConversations, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.Revision = rev
	return conv, nil
}

// write stores conv if the stored revision still equals conv.Revision.
func (s *ConversationService) write(ctx context.Context, conv *model.Conversation) error {
	doc := *conv
	doc.Revision = 0
	rev, err := store.UpdateJSON(ctx, s.docs, store.BucketConversations, conv.ID, doc, conv.Revision)
	if err != nil {
		return err
	}
	conv.Revision = rev
	return nil
}

// update applies a commutative mutation to the latest revision, retrying
// when another writer got in first.
func (s *ConversationService) update(ctx context.Context, id string, fn func(*model.Conversation) error) (*model.Conversation, error) {
	var out *model.Conversation
	op := func() error {
		conv, err := s.load(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(conv); err != nil {
			if errors.Is(err, errUnchanged) {
				out = conv
				return nil
			}
			return backoff.Permanent(err)
		}
		if err := s.write(ctx, conv); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = conv
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, fmt.Errorf("%w: retries exhausted", ErrConcurrentModification)
		}
		return nil, err
	}
	return out, nil
}

// transition applies a non-commutative state change. It is guarded by the
// (status, assignedAgentId) pair observed on the first read: a revision
// conflict is retried only while that pair is unchanged.
func (s *ConversationService) transition(ctx context.Context, id, operation string, fn func(*model.Conversation) error) (*model.Conversation, error) {
	first, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	expectStatus, expectAgent := first.Status, first.AssignedTo()

	var out *model.Conversation
	attempt := 0
	op := func() error {
		conv := first
		if attempt > 0 {
			if conv, err = s.load(ctx, id); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempt++
		changed := conv.Status != expectStatus || conv.AssignedTo() != expectAgent

		if err := fn(conv); err != nil {
			if errors.Is(err, errUnchanged) {
				out = conv
				return nil
			}
			return backoff.Permanent(err)
		}
		if changed {
			metrics.ConcurrentModifications.WithLabelValues(operation).Inc()
			return backoff.Permanent(ErrConcurrentModification)
		}
		if err := s.write(ctx, conv); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = conv
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			metrics.ConcurrentModifications.WithLabelValues(operation).Inc()
			return nil, fmt.Errorf("%w: retries exhausted", ErrConcurrentModification)
		}
		return nil, err
	}
	return out, nil
}

// Assign gives ownership of a conversation to agentID and marks it in progress.
func (s *ConversationService) Assign(ctx context.Context, id, agentID string) (*model.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.assign", trace.WithAttributes(
		attribute.String("conversation.id", id), attribute.String("agent.id", agentID)))
	defer span.End()

	if agentID == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrValidation)
	}
	conv, err := s.transition(ctx, id, "assign", func(c *model.Conversation) error {
		if c.Closed() {
			return ErrConversationClosed
		}
		if c.AssignedTo() == agentID && c.Status == model.StatusInProgress {
			return errUnchanged
		}
		c.AssignedAgentID = &agentID
		c.Status = model.StatusInProgress
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.WithConversation(id).Info("conversation assigned",
		zap.String("agent_id", agentID),
	)
	return conv, nil
}

// Transfer hands a conversation to toAgentID and appends a system message
// naming the outgoing agent. Status is left untouched.
func (s *ConversationService) Transfer(ctx context.Context, id, fromAgentName, toAgentID string) (*model.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.transfer", trace.WithAttributes(
		attribute.String("conversation.id", id), attribute.String("agent.to", toAgentID)))
	defer span.End()

	if toAgentID == "" {
		return nil, fmt.Errorf("%w: target agent is required", ErrValidation)
	}
	moved := false
	conv, err := s.transition(ctx, id, "transfer", func(c *model.Conversation) error {
		if c.Closed() {
			return ErrConversationClosed
		}
		if c.AssignedTo() == toAgentID {
			return errUnchanged
		}
		c.AssignedAgentID = &toAgentID
		c.UpdatedAt = s.now()
		moved = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !moved {
		return conv, nil
	}

	if fromAgentName == "" {
		fromAgentName = "un agente"
	}
	_, err = s.Ingest(ctx, IngestRequest{
		ConversationID: id,
		SenderType:     model.SenderBot,
		SenderID:       strPtr(SystemSenderID),
		Content:        fmt.Sprintf("♻️ Chat transferido por %s", fromAgentName),
	})
	if errors.Is(err, ErrConversationClosed) && !IsStale(err) {
		// The owner change stands; a closed conversation takes no announcement.
		s.logger.WithConversation(id).Info("conversation closed before transfer announcement",
			zap.String("to_agent_id", toAgentID))
		return s.load(ctx, id)
	}
	if err != nil && !errors.Is(err, ErrConversationStale) {
		s.logger.WithConversation(id).Error("failed to record transfer message",
			zap.Error(err))
		return conv, err
	}
	s.logger.WithConversation(id).Info("conversation transferred",
		zap.String("to_agent_id", toAgentID),
	)
	return s.load(ctx, id)
}

// Close moves a conversation to its terminal state with a disposition code.
func (s *ConversationService) Close(ctx context.Context, id string, disposition model.Disposition, note string) (*model.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.close", trace.WithAttributes(
		attribute.String("conversation.id", id), attribute.String("disposition", string(disposition))))
	defer span.End()

	if !disposition.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDisposition, disposition)
	}
	conv, err := s.transition(ctx, id, "close", func(c *model.Conversation) error {
		if c.Closed() {
			return ErrConversationClosed
		}
		c.Status = model.StatusClosed
		c.Disposition = &disposition
		c.ClosingNotes = strPtr(note)
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.releasePointer(ctx, conv)
	metrics.ConversationsClosed.WithLabelValues(string(disposition)).Inc()
	s.logger.WithConversation(id).Info("conversation closed",
		zap.String("disposition", string(disposition)),
	)
	return conv, nil
}

// DecodeConversation decodes a stored conversation entry.
func DecodeConversation(e store.Entry) (*model.Conversation, error) {
	var conv model.Conversation
	if err := json.Unmarshal(e.Value, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", e.Key, err)
	}
	conv.Revision = e.Revision
	return &conv, nil
}
