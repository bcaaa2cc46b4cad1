package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
)

// QuickReplyService manages shortcut reply templates.
type QuickReplyService struct {
	docs store.Documents
	now  Clock
}

// NewQuickReplyService creates a new quick reply service.
func NewQuickReplyService(docs store.Documents, now Clock) *QuickReplyService {
	if now == nil {
		now = utcNow
	}
	return &QuickReplyService{docs: docs, now: now}
}

// List returns quick replies ordered by shortcut.
func (s *QuickReplyService) List(ctx context.Context) ([]model.QuickReply, error) {
	replies, err := store.ListJSON[model.QuickReply](ctx, s.docs, store.BucketQuickReplies)
	if err != nil {
		return nil, fmt.Errorf("failed to list quick replies: %w", err)
	}
	sort.Slice(replies, func(i, j int) bool { return replies[i].Shortcut < replies[j].Shortcut })
	return replies, nil
}

// Create stores a new quick reply. Shortcuts are unique.
func (s *QuickReplyService) Create(ctx context.Context, qr *model.QuickReply) (*model.QuickReply, error) {
	shortcut := strings.ToLower(strings.TrimSpace(qr.Shortcut))
	if !strings.HasPrefix(shortcut, "/") || len(shortcut) < 2 {
		return nil, fmt.Errorf("%w: shortcut must start with /", ErrValidation)
	}
	existing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Shortcut == shortcut {
			return nil, fmt.Errorf("%w: shortcut %s", ErrAlreadyExists, shortcut)
		}
	}
	out := &model.QuickReply{
		ID:        newID(),
		Shortcut:  shortcut,
		Text:      qr.Text,
		Category:  qr.Category,
		CreatedAt: s.now(),
	}
	if _, err := store.CreateJSON(ctx, s.docs, store.BucketQuickReplies, out.ID, out); err != nil {
		return nil, fmt.Errorf("failed to create quick reply: %w", err)
	}
	return out, nil
}

// Delete removes a quick reply.
func (s *QuickReplyService) Delete(ctx context.Context, id string) error {
	if err := s.docs.Delete(ctx, store.BucketQuickReplies, id, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("quick reply %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete quick reply: %w", err)
	}
	return nil
}
