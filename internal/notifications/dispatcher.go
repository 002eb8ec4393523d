package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/queueline/internal/domain"
)

// Notification is the rendered content addressed to one destination.
type Notification struct {
	To       string
	Subject  string
	Body     string
	HTMLBody string
}

// Sender delivers notifications over one channel.
type Sender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, notification Notification) error
}

// Outcome is the classified result of a send.
type Outcome string

// Send outcomes.
const (
	OutcomeOK        Outcome = "ok"
	OutcomeRetryable Outcome = "retryable"
	OutcomePermanent Outcome = "permanent"
)

// Classify maps a send error to an outcome. Errors without an IsRetryable
// method count as retryable.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if isRetryable(err) {
		return OutcomeRetryable
	}
	return OutcomePermanent
}

// Dispatcher routes notifications to the sender of their channel.
type Dispatcher struct {
	senders map[domain.ChannelType]Sender
}

// NewDispatcher creates a new notification dispatcher. Nil senders are skipped.
func NewDispatcher(senders ...Sender) *Dispatcher {
	senderMap := make(map[domain.ChannelType]Sender)
	for _, s := range senders {
		if s == nil {
			continue
		}
		senderMap[s.Type()] = s
	}
	return &Dispatcher{senders: senderMap}
}

// Has reports whether a sender is registered for the channel.
func (d *Dispatcher) Has(channel domain.ChannelType) bool {
	_, ok := d.senders[channel]
	return ok
}

// Send delivers a notification over the given channel.
func (d *Dispatcher) Send(ctx context.Context, channel domain.ChannelType, notification Notification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return NewNonRetryableError(fmt.Errorf("%w: %s", ErrNoSender, channel))
	}
	return sender.Send(ctx, notification)
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
