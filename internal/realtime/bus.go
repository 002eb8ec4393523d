// Package realtime fans queue changes out to live subscribers.
package realtime

import (
	"context"
	"sync"

	"github.com/bissquit/queueline/internal/queues"
)

// subscriberBuffer is the number of undelivered changes kept per subscriber.
// A subscriber only needs to know that something changed, so older
// changes are dropped when the buffer is full.
const subscriberBuffer = 8

// Bus publishes queue changes and lets callers subscribe to one queue.
type Bus interface {
	queues.ChangePublisher
	// Subscribe returns a channel of changes for queueID. The channel is
	// closed after cancel is called or ctx is done.
	Subscribe(ctx context.Context, queueID string) (changes <-chan queues.QueueChange, cancel func(), err error)
}

// MemoryBus is an in-process Bus for single-instance deployments.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan queues.QueueChange]struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan queues.QueueChange]struct{})}
}

// PublishQueueChange delivers change to every current subscriber of the queue.
func (b *MemoryBus) PublishQueueChange(_ context.Context, change queues.QueueChange) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[change.QueueID] {
		offer(ch, change)
	}
	return nil
}

// Subscribe registers a subscriber for queueID.
func (b *MemoryBus) Subscribe(ctx context.Context, queueID string) (<-chan queues.QueueChange, func(), error) {
	ch := make(chan queues.QueueChange, subscriberBuffer)

	b.mu.Lock()
	if b.subs[queueID] == nil {
		b.subs[queueID] = make(map[chan queues.QueueChange]struct{})
	}
	b.subs[queueID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[queueID], ch)
			if len(b.subs[queueID]) == 0 {
				delete(b.subs, queueID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

// offer sends change without blocking, dropping the oldest pending change
// when the subscriber is slow.
func offer(ch chan queues.QueueChange, change queues.QueueChange) {
	for {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
