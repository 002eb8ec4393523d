package notifications

import (
	"time"
)

// EventType identifies the lifecycle event a notification reports.
type EventType string

// Event types.
const (
	EventJoinedQueue     EventType = "joined_queue"
	EventTurnApproaching EventType = "turn_approaching"
	EventQueueDelayed    EventType = "queue_delayed"
	EventCustomerServed  EventType = "customer_served"
)

// AllEventTypes lists every event type that has templates.
var AllEventTypes = []EventType{
	EventJoinedQueue,
	EventTurnApproaching,
	EventQueueDelayed,
	EventCustomerServed,
}

// IsValid checks if the event type is known.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the structured content of a notification. Every channel variant
// renders from it.
type Payload struct {
	EventType         EventType  `json:"event_type"`
	QueueID           string     `json:"queue_id"`
	QueueName         string     `json:"queue_name"`
	TimeZone          string     `json:"time_zone"`
	EntryID           string     `json:"entry_id,omitempty"`
	Position          int        `json:"position,omitempty"`
	WaitMinutes       int        `json:"wait_minutes"`
	ExpectedAt        *time.Time `json:"expected_at,omitempty"`
	OriginalTime      *time.Time `json:"original_time,omitempty"`
	NewTime           *time.Time `json:"new_time,omitempty"`
	ServedAt          *time.Time `json:"served_at,omitempty"`
	// ActualWaitMinutes is the time from join to serve, rounded up.
	ActualWaitMinutes int        `json:"actual_wait_minutes,omitempty"`
	QueueURL          string     `json:"queue_url,omitempty"`
	GeneratedAt       time.Time  `json:"generated_at"`
}

// wholeMinutes rounds d up to whole minutes; non-positive durations are 0.
func wholeMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// Location returns the time zone of the queue, falling back to UTC.
func (p Payload) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
