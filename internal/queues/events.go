package queues

import (
	"context"
	"time"

	"github.com/bissquit/queueline/internal/domain"
)

// EventNotifier receives lifecycle events after the transition is committed.
// Implementations must not block on delivery; returned errors are only logged.
type EventNotifier interface {
	OnJoined(ctx context.Context, event JoinedEvent) error
	OnTurnApproaching(ctx context.Context, event TurnApproachingEvent) error
	OnDelayed(ctx context.Context, event DelayedEvent) error
	OnServed(ctx context.Context, event ServedEvent) error
}

// JoinedEvent is emitted when a user enters a queue.
type JoinedEvent struct {
	Queue      *domain.Queue
	Entry      *domain.Entry
	Position   int
	ExpectedAt time.Time
	Wait       time.Duration
}

// TurnApproachingEvent is emitted for the entry at the configured rank after a serve.
type TurnApproachingEvent struct {
	Queue      *domain.Queue
	Entry      *domain.Entry
	Position   int
	ExpectedAt time.Time
	Wait       time.Duration
}

// DelayedEvent is emitted once per delay with every waiting customer in join order.
type DelayedEvent struct {
	Queue        *domain.Queue
	OriginalTime time.Time
	NewTime      time.Time
	Recipients   []DelayedRecipient
}

// DelayedRecipient is one waiting customer affected by a delay.
type DelayedRecipient struct {
	UserID     string
	EntryID    string
	Position   int
	ExpectedAt time.Time
}

// ServedEvent is emitted when an entry is served.
type ServedEvent struct {
	Queue   *domain.Queue
	Archive *domain.ArchiveRecord
}

// ChangeKind names the transition that changed a queue.
type ChangeKind string

// Change kinds.
const (
	ChangeJoined    ChangeKind = "joined"
	ChangeLeft      ChangeKind = "left"
	ChangeServed    ChangeKind = "served"
	ChangeNoShow    ChangeKind = "no_show"
	ChangeDelayed   ChangeKind = "delayed"
	ChangePaused    ChangeKind = "paused"
	ChangeActivated ChangeKind = "activated"
)

// QueueChange signals that the waiting line of a queue changed.
type QueueChange struct {
	QueueID string     `json:"queue_id"`
	Kind    ChangeKind `json:"kind"`
	At      time.Time  `json:"at"`
}

// ChangePublisher broadcasts queue changes to live subscribers.
type ChangePublisher interface {
	PublishQueueChange(ctx context.Context, change QueueChange) error
}
