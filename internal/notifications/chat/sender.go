// Package chat provides WhatsApp text delivery through an MSG91-style
// outbound message gateway.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10
)

// Config holds chat sender configuration.
type Config struct {
	Enabled          bool
	APIURL           string
	AuthKey          string
	IntegratedNumber string        // business number messages are sent from
	Timeout          time.Duration // request timeout
	RateLimit        float64       // messages per second
}

// Sender implements the chat channel.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new chat sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.APIURL == "" {
			return nil, errors.New("chat sender: API URL is required when enabled")
		}
		if config.AuthKey == "" {
			return nil, errors.New("chat sender: auth key is required when enabled")
		}
		if config.IntegratedNumber == "" {
			return nil, errors.New("chat sender: integrated number is required when enabled")
		}
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeChat
}

// Send sends a text message. notification.To is an E.164 phone number.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	if !s.config.Enabled {
		slog.Warn("chat sender disabled, skipping send")
		return nil
	}

	to := strings.TrimPrefix(notification.To, "+")
	if to == "" {
		return &PermanentError{Message: "recipient number is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	payload := outboundMessage{
		IntegratedNumber: strings.TrimPrefix(s.config.IntegratedNumber, "+"),
		ContentType:      "text",
		Payload: messagePayload{
			MessagingProduct: "whatsapp",
			Type:             "text",
			To:               to,
			Text:             textBody{Body: notification.Body},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("authkey", s.config.AuthKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, to)
}

type outboundMessage struct {
	IntegratedNumber string         `json:"integrated_number"`
	ContentType      string         `json:"content_type"`
	Payload          messagePayload `json:"payload"`
}

type messagePayload struct {
	MessagingProduct string   `json:"messaging_product"`
	Type             string   `json:"type"`
	To               string   `json:"to"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type gatewayResponse struct {
	Status   string `json:"status"`
	HasError bool   `json:"hasError"`
	Errors   any    `json:"errors"`
}

func (s *Sender) handleResponse(resp *http.Response, to string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The gateway reports some rejections with a 200 status.
		var parsed gatewayResponse
		if json.Unmarshal(body, &parsed) == nil && (parsed.HasError || parsed.Status == "fail") {
			return &PermanentError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("rejected: %v", parsed.Errors),
			}
		}
		slog.Debug("chat message sent", "to", maskNumber(to))
		return nil

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: "invalid auth key",
		}

	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: "rate limited",
		}

	case resp.StatusCode >= 500:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", string(body)),
		}

	default:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}
	}
}

// maskNumber hides all but the last four digits for logging.
func maskNumber(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("chat error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("chat error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("chat error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("chat error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
