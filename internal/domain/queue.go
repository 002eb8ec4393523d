package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueStatus represents whether a queue accepts new entries.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusActive QueueStatus = "active"
	QueueStatusPaused QueueStatus = "paused"
)

// IsValid checks if the queue status is a known value.
func (s QueueStatus) IsValid() bool {
	return s == QueueStatusActive || s == QueueStatusPaused
}

// Queue represents a waiting line of a business location.
type Queue struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	Name             string        `json:"name"`
	Capacity         int           `json:"capacity"`
	ServiceDuration  time.Duration `json:"-"`
	ServiceStart     *TimeOfDay    `json:"service_start"`
	TimeZone         string        `json:"time_zone"`
	DelayUntil       *time.Time    `json:"delay_until"`
	CurrentOccupancy int           `json:"current_occupancy"`
	TotalServed      int           `json:"total_served"`
	NextServeAt      *time.Time    `json:"next_serve_at"`
	Status           QueueStatus   `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsFull reports whether no more entries fit into the queue.
func (q *Queue) IsFull() bool {
	return q.CurrentOccupancy >= q.Capacity
}

// Location returns the queue's time zone, falling back to UTC.
func (q *Queue) Location() *time.Location {
	if q.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(q.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MarshalJSON adds the service duration in minutes.
func (q Queue) MarshalJSON() ([]byte, error) {
	type alias Queue
	return json.Marshal(struct {
		alias
		ServiceMinutes int `json:"service_minutes"`
	}{
		alias:          alias(q),
		ServiceMinutes: int(q.ServiceDuration / time.Minute),
	})
}

// CounterStatus represents whether a counter accepts new entries.
type CounterStatus string

// Counter statuses.
const (
	CounterStatusActive CounterStatus = "active"
	CounterStatusPaused CounterStatus = "paused"
)

// Counter is a service point inside a queue with its own waiting line.
type Counter struct {
	ID           string        `json:"id"`
	QueueID      string        `json:"queue_id"`
	Name         string        `json:"name"`
	ServiceStart *TimeOfDay    `json:"service_start"`
	Status       CounterStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CounterService is a selectable sub-service offered at a counter.
type CounterService struct {
	ID                string        `json:"id"`
	CounterID         string        `json:"counter_id"`
	Name              string        `json:"name"`
	EstimatedDuration time.Duration `json:"-"`
	IsActive          bool          `json:"is_active"`
	CreatedAt         time.Time     `json:"created_at"`
}

// MarshalJSON adds the estimated duration in minutes.
func (s CounterService) MarshalJSON() ([]byte, error) {
	type alias CounterService
	return json.Marshal(struct {
		alias
		EstimatedMinutes int `json:"estimated_minutes"`
	}{
		alias:            alias(s),
		EstimatedMinutes: int(s.EstimatedDuration / time.Minute),
	})
}

// TimeOfDay is a wall clock time without a date, e.g. a daily opening time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// TimeOfDayFromMinutes builds a TimeOfDay from minutes after midnight.
func TimeOfDayFromMinutes(m int) TimeOfDay {
	return TimeOfDay{Hour: m / 60, Minute: m % 60}
}

// Minutes returns minutes after midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// On returns the instant of this time of day on the calendar day of ref in loc.
func (t TimeOfDay) On(ref time.Time, loc *time.Location) time.Time {
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalJSON encodes the time as "HH:MM".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes "HH:MM".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
