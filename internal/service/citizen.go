package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// CitizenService resolves and edits citizen profiles.
type CitizenService struct {
	docs   store.Documents
	now    Clock
	logger *logger.Logger
}

// NewCitizenService creates a new citizen service.
func NewCitizenService(docs store.Documents, now Clock, log *logger.Logger) *CitizenService {
	if now == nil {
		now = utcNow
	}
	return &CitizenService{docs: docs, now: now, logger: log}
}

// Resolve returns the citizen keyed by channelID, creating it on first
// contact. For a known citizen only the update timestamp changes: name,
// notes and tags are never overwritten from a channel.
func (s *CitizenService) Resolve(ctx context.Context, channelID, name string, channel model.Channel) (*model.Citizen, error) {
	ctx, span := tracer.Start(ctx, "citizen.resolve")
	defer span.End()

	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: citizen ID is required", ErrValidation)
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	var out *model.Citizen
	op := func() error {
		cur, rev, err := store.GetJSON[model.Citizen](ctx, s.docs, store.BucketCitizens, channelID)
		if errors.Is(err, store.ErrNotFound) {
			now := s.now()
			c := &model.Citizen{
				ID:          channelID,
				Name:        strings.TrimSpace(name),
				PhoneNumber: channelID,
				Channel:     channel,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if _, err := store.CreateJSON(ctx, s.docs, store.BucketCitizens, channelID, c); err != nil {
				if errors.Is(err, store.ErrKeyExists) {
					return err
				}
				return backoff.Permanent(err)
			}
			s.logger.Info("citizen created",
				zap.String("citizen_id", channelID),
				zap.String("channel", string(channel)),
			)
			out = c
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		cur.UpdatedAt = s.now()
		if _, err := store.UpdateJSON(ctx, s.docs, store.BucketCitizens, channelID, cur, rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = cur
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to resolve citizen: %w", err)
	}
	return out, nil
}

// Get retrieves a citizen by ID.
func (s *CitizenService) Get(ctx context.Context, id string) (*model.Citizen, error) {
	c, _, err := store.GetJSON[model.Citizen](ctx, s.docs, store.BucketCitizens, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("citizen %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load citizen: %w", err)
	}
	return c, nil
}

// Update edits a citizen's notes and tags. This is the only path that
// changes them.
func (s *CitizenService) Update(ctx context.Context, id string, req *model.UpdateCitizenRequest) (*model.Citizen, error) {
	var out *model.Citizen
	op := func() error {
		cur, rev, err := store.GetJSON[model.Citizen](ctx, s.docs, store.BucketCitizens, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(fmt.Errorf("citizen %s: %w", id, ErrNotFound))
			}
			return backoff.Permanent(err)
		}
		if req.Notes != nil {
			cur.Notes = strings.TrimSpace(*req.Notes)
		}
		if req.Tags != nil {
			cur.Tags = normalizeTags(req.Tags)
		}
		cur.UpdatedAt = s.now()
		if _, err := store.UpdateJSON(ctx, s.docs, store.BucketCitizens, id, cur, rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = cur
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

// History returns the citizen's closed conversations, newest first.
func (s *ConversationService) History(ctx context.Context, citizenID string) ([]model.Conversation, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0)
	for _, c := range all {
		if c.CitizenID == citizenID && c.Closed() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
