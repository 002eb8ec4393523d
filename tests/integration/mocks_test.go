//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
)

// recordingSender stands in for a delivery channel. Each Send consumes the
// next scripted error, if any; otherwise the notification is recorded as
// delivered.
type recordingSender struct {
	channel domain.ChannelType

	mu        sync.Mutex
	script    []error
	attempts  int
	delivered []notifications.Notification
}

func newRecordingSender(channel domain.ChannelType) *recordingSender {
	return &recordingSender{channel: channel}
}

func (s *recordingSender) Type() domain.ChannelType { return s.channel }

func (s *recordingSender) Send(_ context.Context, n notifications.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		return err
	}
	s.delivered = append(s.delivered, n)
	return nil
}

// failWith queues err for the next n attempts.
func (s *recordingSender) failWith(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.script = append(s.script, err)
	}
}

func (s *recordingSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// deliveredTo returns what reached one address; an empty address matches all.
func (s *recordingSender) deliveredTo(to string) []notifications.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notifications.Notification
	for _, n := range s.delivered {
		if to == "" || n.To == to {
			out = append(out, n)
		}
	}
	return out
}

// awaitDelivery blocks until to has received n notifications.
func (s *recordingSender) awaitDelivery(t *testing.T, to string, n int, timeout time.Duration) []notifications.Notification {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.deliveredTo(to)) >= n },
		timeout, 50*time.Millisecond, "%s: %d deliveries to %s expected", s.channel, n, to)
	return s.deliveredTo(to)
}

// channelFakes bundles one fake per delivery channel.
type channelFakes struct {
	email *recordingSender
	sms   *recordingSender
	chat  *recordingSender
}

func newChannelFakes() channelFakes {
	return channelFakes{
		email: newRecordingSender(domain.ChannelTypeEmail),
		sms:   newRecordingSender(domain.ChannelTypeSMS),
		chat:  newRecordingSender(domain.ChannelTypeChat),
	}
}

func (f channelFakes) all() []notifications.Sender {
	return []notifications.Sender{f.email, f.sms, f.chat}
}
