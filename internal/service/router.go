package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

// activePointer is the per-citizen index document naming the citizen's open
// conversation. Its key is the citizen ID.
type activePointer struct {
	ConversationID string `json:"conversation_id"`
}

// RouteResult is the outcome of routing an inbound contact.
type RouteResult struct {
	Conversation *model.Conversation
	IsNew        bool
}

var errPointerPending = errors.New("active conversation pointer pending")

// Route returns the citizen's open conversation, creating one when none
// exists. A new conversation starts OPEN, unassigned, with one unread
// message.
func (s *ConversationService) Route(ctx context.Context, citizenID string, channel model.Channel) (*RouteResult, error) {
	ctx, span := tracer.Start(ctx, "conversation.route", trace.WithAttributes(
		attribute.String("citizen.id", citizenID), attribute.String("channel", string(channel))))
	defer span.End()

	if citizenID == "" {
		return nil, fmt.Errorf("%w: citizen is required", ErrValidation)
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	res, err := s.routeByPointer(ctx, citizenID, channel)
	if errors.Is(err, store.ErrIndexUnavailable) {
		metrics.IndexFallbacks.WithLabelValues("route").Inc()
		s.logger.Warn("active conversation index unavailable, routing by scan",
			zap.String("citizen_id", citizenID))
		res, err = s.routeByScan(ctx, citizenID, channel)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.IsNew {
		metrics.ConversationsCreated.WithLabelValues(string(channel)).Inc()
		s.logger.Info("conversation created",
			zap.String("conversation_id", res.Conversation.ID),
			zap.String("citizen_id", citizenID),
			zap.String("channel", string(channel)),
		)
	}
	return res, nil
}

// routeByPointer claims the citizen's active pointer with an atomic create.
// A writer that loses the claim adopts the winner's conversation once it is
// readable.
func (s *ConversationService) routeByPointer(ctx context.Context, citizenID string, channel model.Channel) (*RouteResult, error) {
	var (
		res       *RouteResult
		orphanRev uint64
	)
	op := func() error {
		orphanRev = 0
		ptr, rev, err := store.GetJSON[activePointer](ctx, s.docs, store.BucketActiveConversations, citizenID)
		switch {
		case err == nil:
			conv, err := s.load(ctx, ptr.ConversationID)
			switch {
			case err == nil && conv.Status.Active():
				res = &RouteResult{Conversation: conv}
				return nil
			case err == nil:
				s.dropPointer(ctx, citizenID, rev, "conversation closed")
			case errors.Is(err, ErrNotFound):
				orphanRev = rev
				return errPointerPending
			default:
				return backoff.Permanent(err)
			}
		case !errors.Is(err, store.ErrNotFound):
			return backoff.Permanent(err)
		}

		conv := s.newConversation(citizenID, channel)
		_, err = store.CreateJSON(ctx, s.docs, store.BucketActiveConversations, citizenID, activePointer{ConversationID: conv.ID})
		if errors.Is(err, store.ErrKeyExists) {
			return errPointerPending
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.create(ctx, conv); err != nil {
			return backoff.Permanent(err)
		}
		res = &RouteResult{Conversation: conv, IsNew: true}
		return nil
	}

	err := backoff.Retry(op, pointerWait(ctx))
	if errors.Is(err, errPointerPending) && orphanRev != 0 {
		// The conversation named by the pointer never appeared.
		s.dropPointer(ctx, citizenID, orphanRev, "conversation missing")
		err = backoff.Retry(op, once(ctx))
	}
	if errors.Is(err, errPointerPending) {
		return nil, fmt.Errorf("%w: active conversation for citizen %s", ErrConcurrentModification, citizenID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// routeByScan is the degraded path used when the pointer bucket is missing.
// Concurrent first contacts from one citizen may create two conversations.
func (s *ConversationService) routeByScan(ctx context.Context, citizenID string, channel model.Channel) (*RouteResult, error) {
	if conv, err := s.findActive(ctx, citizenID); err != nil || conv != nil {
		if err != nil {
			return nil, err
		}
		return &RouteResult{Conversation: conv}, nil
	}
	conv := s.newConversation(citizenID, channel)
	if err := s.create(ctx, conv); err != nil {
		return nil, err
	}
	return &RouteResult{Conversation: conv, IsNew: true}, nil
}

// findActive scans for the citizen's open conversation, preferring the oldest
// when duplicates exist.
func (s *ConversationService) findActive(ctx context.Context, citizenID string) (*model.Conversation, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var found *model.Conversation
	for i := range all {
		c := &all[i]
		if c.CitizenID != citizenID || !c.Status.Active() {
			continue
		}
		if found != nil {
			s.logger.Warn("citizen has more than one open conversation",
				zap.String("citizen_id", citizenID),
				zap.String("conversation_id", found.ID),
				zap.String("duplicate_id", c.ID),
			)
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	return found, nil
}

func (s *ConversationService) newConversation(citizenID string, channel model.Channel) *model.Conversation {
	now := s.now()
	return &model.Conversation{
		ID:            newID(),
		CitizenID:     citizenID,
		Status:        model.StatusOpen,
		SourceChannel: channel,
		LastMessageAt: now,
		UnreadCount:   1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *ConversationService) create(ctx context.Context, conv *model.Conversation) error {
	doc := *conv
	doc.Revision = 0
	rev, err := store.CreateJSON(ctx, s.docs, store.BucketConversations, conv.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.Revision = rev
	return nil
}

// releasePointer removes the citizen's active pointer if it still names conv.
func (s *ConversationService) releasePointer(ctx context.Context, conv *model.Conversation) {
	ptr, rev, err := store.GetJSON[activePointer](ctx, s.docs, store.BucketActiveConversations, conv.CitizenID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrIndexUnavailable):
		return
	case err != nil:
		s.logger.Warn("failed to read active conversation pointer",
			zap.String("citizen_id", conv.CitizenID), zap.Error(err))
		return
	}
	if ptr.ConversationID != conv.ID {
		return
	}
	s.dropPointer(ctx, conv.CitizenID, rev, "conversation closed")
}

func (s *ConversationService) dropPointer(ctx context.Context, citizenID string, rev uint64, reason string) {
	err := s.docs.Delete(ctx, store.BucketActiveConversations, citizenID, rev)
	switch {
	case err == nil:
		s.logger.Debug("active conversation pointer released",
			zap.String("citizen_id", citizenID), zap.String("reason", reason))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrRevisionMismatch):
		// Another writer already moved the pointer on.
	default:
		s.logger.Warn("failed to release active conversation pointer",
			zap.String("citizen_id", citizenID), zap.String("reason", reason), zap.Error(err))
	}
}

// RebuildActiveIndex creates the missing active pointers for every open
// conversation. It is run at startup so that conversations created through
// the scan path become visible to the pointer path. It returns the number of
// pointers created.
func (s *ConversationService) RebuildActiveIndex(ctx context.Context) (int, error) {
	all, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	created := 0
	for _, c := range all {
		if !c.Status.Active() {
			continue
		}
		_, err := store.CreateJSON(ctx, s.docs, store.BucketActiveConversations, c.CitizenID, activePointer{ConversationID: c.ID})
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrKeyExists):
		default:
			return created, fmt.Errorf("failed to index conversation %s: %w", c.ID, err)
		}
	}
	if created > 0 {
		s.logger.Info("active conversation index rebuilt", zap.Int("created", created))
	}
	return created, nil
}
