package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bissquit/queueline/internal/queues"
	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus shared by all instances through Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	prefix string
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus publishing on "<prefix>:queue:<id>" channels.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "queueline"
	}
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channel(queueID string) string {
	return fmt.Sprintf("%s:queue:%s", b.prefix, queueID)
}

// PublishQueueChange publishes change as JSON.
func (b *RedisBus) PublishQueueChange(ctx context.Context, change queues.QueueChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal queue change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(change.QueueID), payload).Err(); err != nil {
		return fmt.Errorf("publish queue change: %w", err)
	}
	return nil
}

// Subscribe subscribes to the queue's channel.
func (b *RedisBus) Subscribe(ctx context.Context, queueID string) (<-chan queues.QueueChange, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(queueID))
	// Wait for the subscription confirmation so no change published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to queue changes: %w", err)
	}

	out := make(chan queues.QueueChange, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change queues.QueueChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					slog.Warn("discarding malformed queue change", "channel", msg.Channel, "error", err)
					continue
				}
				offer(out, change)
			}
		}
	}()

	return out, cancel, nil
}
