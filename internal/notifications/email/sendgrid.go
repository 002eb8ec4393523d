package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bissquit/queueline/internal/notifications"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// sendgridSendFunc posts a message and returns the HTTP status and body.
type sendgridSendFunc func(ctx context.Context, message *mail.SGMailV3) (int, string, error)

type sendgridProvider struct {
	send sendgridSendFunc
	from *mail.Email
}

func newSendgridProvider(config Config) (*sendgridProvider, error) {
	if config.SendgridAPIKey == "" {
		return nil, errors.New("sendgrid API key is required")
	}
	client := sendgrid.NewSendClient(config.SendgridAPIKey)
	return &sendgridProvider{
		send: func(ctx context.Context, message *mail.SGMailV3) (int, string, error) {
			resp, err := client.SendWithContext(ctx, message)
			if err != nil {
				return 0, "", err
			}
			return resp.StatusCode, resp.Body, nil
		},
		from: mail.NewEmail(config.FromName, extractEmail(config.FromAddress)),
	}, nil
}

func (p *sendgridProvider) deliver(ctx context.Context, msg Message) error {
	message := mail.NewSingleEmail(p.from, msg.Subject, mail.NewEmail("", msg.To), msg.Text, msg.HTML)

	status, body, err := p.send(ctx, message)
	if err != nil {
		return notifications.NewRetryableError(fmt.Errorf("sendgrid: %w", err))
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return notifications.NewRetryableError(fmt.Errorf("sendgrid status %d: %s", status, body))
	default:
		return notifications.NewNonRetryableError(fmt.Errorf("sendgrid status %d: %s", status, body))
	}
}
