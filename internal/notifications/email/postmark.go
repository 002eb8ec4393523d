package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/queueline/internal/notifications"
	"github.com/mrz1836/postmark"
)

// Postmark API error codes that will not succeed on retry.
// https://postmarkapp.com/developer/api/overview#error-codes
var postmarkPermanentCodes = map[int64]bool{
	10:  true, // bad or missing server token
	300: true, // invalid email request
	400: true, // sender signature not found
	406: true, // inactive recipient
}

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type postmarkProvider struct {
	client postmarkAPI
	from   string
}

func newPostmarkProvider(config Config) (*postmarkProvider, error) {
	if config.PostmarkServerToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	return &postmarkProvider{
		client: postmark.NewClient(config.PostmarkServerToken, ""),
		from:   fromHeader(config),
	}, nil
}

func (p *postmarkProvider) deliver(ctx context.Context, msg Message) error {
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.from,
		To:       msg.To,
		Subject:  msg.Subject,
		TextBody: msg.Text,
		HTMLBody: msg.HTML,
		Tag:      "queue-notification",
	})
	if err != nil {
		return notifications.NewRetryableError(fmt.Errorf("postmark: %w", err))
	}
	if resp.ErrorCode > 0 {
		apiErr := fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message)
		if postmarkPermanentCodes[resp.ErrorCode] {
			return notifications.NewNonRetryableError(apiErr)
		}
		return notifications.NewRetryableError(apiErr)
	}
	return nil
}
