package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/auth"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// AgentService manages operator profiles.
type AgentService struct {
	docs   store.Documents
	now    Clock
	logger *logger.Logger
}

// NewAgentService creates a new agent service.
func NewAgentService(docs store.Documents, now Clock, log *logger.Logger) *AgentService {
	if now == nil {
		now = utcNow
	}
	return &AgentService{docs: docs, now: now, logger: log}
}

// List returns all agents ordered by display name.
func (s *AgentService) List(ctx context.Context) ([]model.Agent, error) {
	agents, err := store.ListJSON[model.Agent](ctx, s.docs, store.BucketAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	sort.SliceStable(agents, func(i, j int) bool {
		return strings.ToLower(agents[i].DisplayName) < strings.ToLower(agents[j].DisplayName)
	})
	return agents, nil
}

// Get retrieves an agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*model.Agent, error) {
	a, _, err := store.GetJSON[model.Agent](ctx, s.docs, store.BucketAgents, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return a, nil
}

// Role returns the role of an agent, implementing the lookup used by the
// role middleware.
func (s *AgentService) Role(ctx context.Context, id string) (model.Role, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}

func (s *AgentService) findByEmail(ctx context.Context, email string) (*model.Agent, error) {
	agents, err := store.ListJSON[model.Agent](ctx, s.docs, store.BucketAgents)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if strings.EqualFold(agents[i].Email, email) {
			return &agents[i], nil
		}
	}
	return nil, nil
}

// Provision pre-authorises an agent under a generated ID. The record is
// re-keyed to the authentication user ID on first login.
func (s *AgentService) Provision(ctx context.Context, req *model.ProvisionAgentRequest) (*model.Agent, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	existing, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check agent email: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: agent with email %s", ErrAlreadyExists, email)
	}
	role := req.Role
	if role == "" {
		role = model.RoleAgent
	}
	now := s.now()
	a := &model.Agent{
		ID:          newID(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Email:       email,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := store.CreateJSON(ctx, s.docs, store.BucketAgents, a.ID, a); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	s.logger.Info("agent provisioned", zap.String("agent_id", a.ID), zap.String("role", string(role)))
	return a, nil
}

// Reconcile returns the agent profile for an authenticated identity. A
// pre-provisioned record found by email is moved to the identity's UID,
// keeping its role and display name. Unknown identities get an AGENT profile.
func (s *AgentService) Reconcile(ctx context.Context, id *auth.Identity) (*model.Agent, error) {
	ctx, span := tracer.Start(ctx, "agent.reconcile")
	defer span.End()

	if a, err := s.Get(ctx, id.UID); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	email := strings.ToLower(strings.TrimSpace(id.Email))
	a := &model.Agent{
		ID:          id.UID,
		DisplayName: id.Name,
		Email:       email,
		Role:        model.RoleAgent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.DisplayName == "" {
		a.DisplayName, _, _ = strings.Cut(email, "@")
	}

	var pre *model.Agent
	if email != "" {
		var err error
		if pre, err = s.findByEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("failed to look up provisioned agent: %w", err)
		}
	}
	if pre != nil {
		a.Role = pre.Role
		if pre.DisplayName != "" {
			a.DisplayName = pre.DisplayName
		}
		a.CreatedAt = pre.CreatedAt
	}

	if _, err := store.CreateJSON(ctx, s.docs, store.BucketAgents, a.ID, a); err != nil {
		if errors.Is(err, store.ErrKeyExists) {
			// A concurrent session reconciled first.
			return s.Get(ctx, id.UID)
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	if pre != nil && pre.ID != a.ID {
		if err := s.docs.Delete(ctx, store.BucketAgents, pre.ID, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to remove provisioned agent record",
				zap.String("agent_id", pre.ID), zap.Error(err))
		}
		s.logger.Info("provisioned agent reconciled",
			zap.String("from_id", pre.ID), zap.String("agent_id", a.ID))
	}
	return a, nil
}

// SetPresence marks an agent online or offline.
func (s *AgentService) SetPresence(ctx context.Context, id string, online bool) (*model.Agent, error) {
	var out *model.Agent
	op := func() error {
		a, rev, err := store.GetJSON[model.Agent](ctx, s.docs, store.BucketAgents, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(fmt.Errorf("agent %s: %w", id, ErrNotFound))
			}
			return backoff.Permanent(err)
		}
		a.Online = online
		a.UpdatedAt = s.now()
		if _, err := store.UpdateJSON(ctx, s.docs, store.BucketAgents, id, a, rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = a
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, fmt.Errorf("%w: agent %s", ErrConcurrentModification, id)
		}
		return nil, err
	}
	return out, nil
}

// Delete removes an agent. Agents cannot delete themselves.
func (s *AgentService) Delete(ctx context.Context, id, requestedBy string) error {
	if id == requestedBy {
		return fmt.Errorf("%w: cannot delete your own profile", ErrValidation)
	}
	if err := s.docs.Delete(ctx, store.BucketAgents, id, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	s.logger.Info("agent deleted", zap.String("agent_id", id), zap.String("deleted_by", requestedBy))
	return nil
}
