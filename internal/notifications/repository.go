package notifications

import (
	"context"
	"time"

	"github.com/bissquit/queueline/internal/domain"
)

// Repository defines the interface for notification storage.
type Repository interface {
	// Preferences
	GetOrCreatePreference(ctx context.Context, userID string) (*domain.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref *domain.NotificationPreference) error
	GetContact(ctx context.Context, userID string) (*domain.Contact, error)

	// Dispatch queue
	EnqueueJobs(ctx context.Context, jobs []*DispatchJob) error
	// FetchDueJobs claims up to limit due pending jobs, marks them processing
	// and counts the attempt.
	FetchDueJobs(ctx context.Context, limit int) ([]*DispatchJob, error)
	DeleteJob(ctx context.Context, id string) error
	MarkForRetry(ctx context.Context, id string, err error, nextAttempt time.Time) error
	MarkAsFailed(ctx context.Context, id string, err error) error
	RecoverStuckJobs(ctx context.Context, stuckAfter time.Duration) (int64, error)
	PurgeFailedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
