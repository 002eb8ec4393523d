package notifications

import (
	"context"
	"fmt"

	"github.com/bissquit/queueline/internal/domain"
)

// Service manages per-user notification preferences.
type Service struct {
	repo       Repository
	dispatcher *Dispatcher
}

// NewService creates a new notifications service.
func NewService(repo Repository, dispatcher *Dispatcher) *Service {
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// UpdatePreferencesInput holds a partial preference update. Nil fields keep
// their stored value.
type UpdatePreferencesInput struct {
	EmailEnabled *bool
	SMSEnabled   *bool
	ChatEnabled  *bool
}

// GetPreferences returns the user's preferences, materializing defaults on first read.
func (s *Service) GetPreferences(ctx context.Context, userID string) (*domain.NotificationPreference, error) {
	pref, err := s.repo.GetOrCreatePreference(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return pref, nil
}

// UpdatePreferences applies a partial update and stores the result.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, input UpdatePreferencesInput) (*domain.NotificationPreference, error) {
	pref, err := s.repo.GetOrCreatePreference(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	if input.EmailEnabled != nil {
		pref.EmailEnabled = *input.EmailEnabled
	}
	if input.SMSEnabled != nil {
		pref.SMSEnabled = *input.SMSEnabled
	}
	if input.ChatEnabled != nil {
		pref.ChatEnabled = *input.ChatEnabled
	}

	if err := s.repo.UpsertPreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	return pref, nil
}

// AvailableChannels lists channels that have a configured sender.
func (s *Service) AvailableChannels() []domain.ChannelType {
	return senderChannels(s.dispatcher)
}
