package notifications

import (
	"time"

	"github.com/bissquit/queueline/internal/domain"
)

// JobStatus represents the status of a dispatch job.
type JobStatus string

// Job statuses. Delivered jobs are deleted, so there is no sent status.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFailed     JobStatus = "failed"
)

// DispatchJob is one pending delivery of an event to a user on one channel.
type DispatchJob struct {
	ID            string
	EventType     EventType
	UserID        string
	Channel       domain.ChannelType
	Payload       Payload
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueStats contains dispatch queue statistics.
type QueueStats struct {
	Pending    int64
	Processing int64
	Failed     int64
}
