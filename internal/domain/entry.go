package domain

import (
	"encoding/json"
	"time"
)

// EntryStatus represents the lifecycle state of a queue entry.
type EntryStatus string

// Entry statuses. Every status other than waiting is terminal.
const (
	EntryStatusWaiting EntryStatus = "waiting"
	EntryStatusServed  EntryStatus = "served"
	EntryStatusNoShow  EntryStatus = "no_show"
	EntryStatusLeft    EntryStatus = "left"
)

// IsTerminal reports whether the status ends the entry lifecycle.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case EntryStatusServed, EntryStatusNoShow, EntryStatusLeft:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if an entry in status s may move to next.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	return s == EntryStatusWaiting && next.IsTerminal()
}

// Entry represents a customer's membership in a queue.
type Entry struct {
	ID        string         `json:"id"`
	QueueID   string         `json:"queue_id"`
	UserID    string         `json:"user_id"`
	CounterID *string        `json:"counter_id"`
	Status    EntryStatus    `json:"status"`
	Position  *int           `json:"-"`
	Services  []EntryService `json:"services,omitempty"`
	AddedBy   *string        `json:"added_by"`
	JoinedAt  time.Time      `json:"joined_at"`
}

// EntryService is a sub-service selected at join time. Name and duration are
// copied so later catalog edits do not change existing estimates.
type EntryService struct {
	ServiceID         string        `json:"service_id"`
	Name              string        `json:"name"`
	EstimatedDuration time.Duration `json:"-"`
}

// MarshalJSON adds the estimated duration in minutes.
func (s EntryService) MarshalJSON() ([]byte, error) {
	type alias EntryService
	return json.Marshal(struct {
		alias
		EstimatedMinutes int `json:"estimated_minutes"`
	}{
		alias:            alias(s),
		EstimatedMinutes: int(s.EstimatedDuration / time.Minute),
	})
}

// ArchiveRecord is the immutable snapshot of an entry that left the waiting state.
type ArchiveRecord struct {
	ID            string        `json:"id"`
	EntryID       string        `json:"entry_id"`
	QueueID       string        `json:"queue_id"`
	UserID        string        `json:"user_id"`
	CounterID     *string       `json:"counter_id"`
	Resolution    EntryStatus   `json:"resolution"`
	JoinedAt      time.Time     `json:"joined_at"`
	LeftAt        time.Time     `json:"left_at"`
	EstimatedWait time.Duration `json:"-"`
	ActualWait    time.Duration `json:"-"`
	LeftPosition  int           `json:"left_position"`
	ResolvedBy    string        `json:"resolved_by"`
}

// NewArchiveRecord snapshots entry as resolved at leftAt. The leave time never
// precedes the join time, so the actual wait is never negative.
func NewArchiveRecord(entry *Entry, resolution EntryStatus, leftAt time.Time, estimatedWait time.Duration, position int, resolvedBy string) *ArchiveRecord {
	if leftAt.Before(entry.JoinedAt) {
		leftAt = entry.JoinedAt
	}
	if estimatedWait < 0 {
		estimatedWait = 0
	}
	return &ArchiveRecord{
		EntryID:       entry.ID,
		QueueID:       entry.QueueID,
		UserID:        entry.UserID,
		CounterID:     entry.CounterID,
		Resolution:    resolution,
		JoinedAt:      entry.JoinedAt,
		LeftAt:        leftAt,
		EstimatedWait: estimatedWait,
		ActualWait:    leftAt.Sub(entry.JoinedAt),
		LeftPosition:  position,
		ResolvedBy:    resolvedBy,
	}
}
