// Package email provides email notification sending via SMTP, Postmark or SendGrid.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
)

// Providers.
const (
	ProviderSMTP     = "smtp"
	ProviderPostmark = "postmark"
	ProviderSendgrid = "sendgrid"
)

// Config holds email sender configuration.
type Config struct {
	Enabled             bool
	Provider            string
	FromAddress         string
	FromName            string
	SMTPHost            string
	SMTPPort            int
	SMTPUser            string
	SMTPPassword        string
	PostmarkServerToken string
	SendgridAPIKey      string
}

// Message is a single email ready for a provider.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// provider delivers a message. Returned errors are already classified.
type provider interface {
	deliver(ctx context.Context, msg Message) error
}

// Sender implements the email channel on top of a provider.
type Sender struct {
	config   Config
	provider provider
}

// NewSender creates a new email sender for the configured provider.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Provider == "" {
		config.Provider = ProviderSMTP
	}
	if config.Enabled && config.FromAddress == "" {
		return nil, errors.New("email sender: from address is required when enabled")
	}

	s := &Sender{config: config}
	if !config.Enabled {
		return s, nil
	}

	var err error
	switch config.Provider {
	case ProviderSMTP:
		s.provider, err = newSMTPProvider(config)
	case ProviderPostmark:
		s.provider, err = newPostmarkProvider(config)
	case ProviderSendgrid:
		s.provider, err = newSendgridProvider(config)
	default:
		err = fmt.Errorf("unknown provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("email sender: %w", err)
	}

	slog.Info("email sender configured",
		"provider", config.Provider,
		"from_address", config.FromAddress,
	)
	return s, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeEmail
}

// Send sends an email notification to a single recipient.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, skipping send")
		return nil
	}
	if notification.To == "" {
		return notifications.NewNonRetryableError(errors.New("email: recipient is empty"))
	}

	return s.provider.deliver(ctx, Message{
		To:      notification.To,
		Subject: notification.Subject,
		Text:    notification.Body,
		HTML:    notification.HTMLBody,
	})
}

// fromHeader formats the sender as "Name <address>".
func fromHeader(config Config) string {
	if config.FromName == "" {
		return config.FromAddress
	}
	return fmt.Sprintf("%s <%s>", config.FromName, extractEmail(config.FromAddress))
}
