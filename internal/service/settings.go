package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// SettingsService reads and saves the system settings document.
type SettingsService struct {
	docs   store.Documents
	now    Clock
	logger *logger.Logger
}

// NewSettingsService creates a new settings service.
func NewSettingsService(docs store.Documents, now Clock, log *logger.Logger) *SettingsService {
	if now == nil {
		now = utcNow
	}
	return &SettingsService{docs: docs, now: now, logger: log}
}

// Get returns the stored settings, or the defaults when none were saved.
func (s *SettingsService) Get(ctx context.Context) (*model.SystemSettings, error) {
	cur, _, err := s.load(ctx)
	return cur, err
}

func (s *SettingsService) load(ctx context.Context) (*model.SystemSettings, uint64, error) {
	cur, rev, err := store.GetJSON[model.SystemSettings](ctx, s.docs, store.BucketSettings, store.SettingsKey)
	if errors.Is(err, store.ErrNotFound) {
		def := model.DefaultSettings()
		return &def, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load settings: %w", err)
	}
	return cur, rev, nil
}

// Update merges the non-nil fields of req into the stored settings.
func (s *SettingsService) Update(ctx context.Context, req *model.UpdateSettingsRequest, updatedBy string) (*model.SystemSettings, error) {
	if req.TimeZone != nil {
		if _, err := time.LoadLocation(*req.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: unknown time zone %q", ErrValidation, *req.TimeZone)
		}
	}
	if req.OrganizationName != nil && strings.TrimSpace(*req.OrganizationName) == "" {
		return nil, fmt.Errorf("%w: organization name cannot be empty", ErrValidation)
	}

	var out *model.SystemSettings
	op := func() error {
		cur, rev, err := s.load(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		mergeSettings(cur, req)
		cur.LastUpdatedAt = s.now()
		cur.LastUpdatedBy = updatedBy
		if _, err := store.UpdateJSON(ctx, s.docs, store.BucketSettings, store.SettingsKey, cur, rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = cur
		return nil
	}
	if err := backoff.Retry(op, casRetry(ctx)); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	s.logger.Info("settings updated", zap.String("updated_by", updatedBy))
	return out, nil
}

func mergeSettings(cur *model.SystemSettings, req *model.UpdateSettingsRequest) {
	if req.OrganizationName != nil {
		cur.OrganizationName = strings.TrimSpace(*req.OrganizationName)
	}
	if req.TimeZone != nil {
		cur.TimeZone = *req.TimeZone
	}
	if req.AutoReplyEnabled != nil {
		cur.AutoReplyEnabled = *req.AutoReplyEnabled
	}
	if req.MaintenanceMode != nil {
		cur.MaintenanceMode = *req.MaintenanceMode
	}
	if req.SystemPrompt != nil {
		cur.SystemPrompt = *req.SystemPrompt
	}
	if req.WhatsAppEnabled != nil {
		cur.WhatsAppEnabled = *req.WhatsAppEnabled
	}
	if req.WhatsAppBusinessNumber != nil {
		cur.WhatsAppBusinessNumber = *req.WhatsAppBusinessNumber
	}
	if req.WebChatEnabled != nil {
		cur.WebChatEnabled = *req.WebChatEnabled
	}
}

// Location returns the settings time zone, falling back to UTC.
func Location(settings *model.SystemSettings) *time.Location {
	if settings == nil || settings.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(settings.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
