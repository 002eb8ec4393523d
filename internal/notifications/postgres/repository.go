// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetOrCreatePreference returns the user's preferences, inserting the defaults
// on first read.
func (r *Repository) GetOrCreatePreference(ctx context.Context, userID string) (*domain.NotificationPreference, error) {
	def := domain.DefaultNotificationPreference(userID)
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, email_enabled, sms_enabled, chat_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, def.EmailEnabled, def.SMSEnabled, def.ChatEnabled)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, notifications.ErrUserNotFound
		}
		return nil, fmt.Errorf("create default preferences: %w", err)
	}

	var pref domain.NotificationPreference
	err = r.db.QueryRow(ctx, `
		SELECT user_id, email_enabled, sms_enabled, chat_enabled, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(&pref.UserID, &pref.EmailEnabled, &pref.SMSEnabled, &pref.ChatEnabled, &pref.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrUserNotFound
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return &pref, nil
}

// UpsertPreference stores all preference switches.
func (r *Repository) UpsertPreference(ctx context.Context, pref *domain.NotificationPreference) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO notification_preferences (user_id, email_enabled, sms_enabled, chat_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET email_enabled = EXCLUDED.email_enabled,
		    sms_enabled = EXCLUDED.sms_enabled,
		    chat_enabled = EXCLUDED.chat_enabled,
		    updated_at = NOW()
		RETURNING updated_at
	`, pref.UserID, pref.EmailEnabled, pref.SMSEnabled, pref.ChatEnabled).Scan(&pref.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return notifications.ErrUserNotFound
		}
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// GetContact returns the user's addresses.
func (r *Repository) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	var (
		contact      domain.Contact
		email, phone *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, name, email, phone FROM users WHERE id = $1
	`, userID).Scan(&contact.UserID, &contact.Name, &email, &phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrUserNotFound
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if email != nil {
		contact.Email = *email
	}
	if phone != nil {
		contact.Phone = *phone
	}
	return &contact, nil
}

// EnqueueJobs inserts jobs in a single batch.
func (r *Repository) EnqueueJobs(ctx context.Context, jobs []*notifications.DispatchJob) error {
	if len(jobs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, job := range jobs {
		payload, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		batch.Queue(`
			INSERT INTO dispatch_jobs (id, event_type, user_id, channel, payload, status, max_attempts, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, job.ID, job.EventType, job.UserID, job.Channel, payload, job.Status, job.MaxAttempts, job.NextAttemptAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range jobs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert dispatch job: %w", err)
		}
	}
	return nil
}

// FetchDueJobs claims due pending jobs. Concurrent workers skip rows another
// worker has locked, so each job is claimed once.
func (r *Repository) FetchDueJobs(ctx context.Context, limit int) ([]*notifications.DispatchJob, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE dispatch_jobs
		SET status = 'processing', attempts = attempts + 1, locked_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM dispatch_jobs
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, user_id, channel, payload, status, attempts, max_attempts,
		          next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*notifications.DispatchJob, 0)
	for rows.Next() {
		var (
			job     notifications.DispatchJob
			payload []byte
		)
		err := rows.Scan(
			&job.ID,
			&job.EventType,
			&job.UserID,
			&job.Channel,
			&payload,
			&job.Status,
			&job.Attempts,
			&job.MaxAttempts,
			&job.NextAttemptAt,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch job: %w", err)
		}
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of job %s: %w", job.ID, err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a delivered or discarded job.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM dispatch_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// MarkForRetry returns a job to pending with a new due time.
func (r *Repository) MarkForRetry(ctx context.Context, id string, sendErr error, nextAttempt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = 'pending', last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, errorText(sendErr), nextAttempt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// MarkAsFailed marks a job as permanently failed.
func (r *Repository) MarkAsFailed(ctx context.Context, id string, sendErr error) error {
	result, err := r.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = 'failed', last_error = $2, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, errorText(sendErr))
	if err != nil {
		return fmt.Errorf("mark as failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// RecoverStuckJobs releases jobs claimed longer than stuckAfter ago. A job
// that already used all its attempts is failed instead.
func (r *Repository) RecoverStuckJobs(ctx context.Context, stuckAfter time.Duration) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = COALESCE(last_error, 'worker did not finish'),
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND locked_at < NOW() - make_interval(secs => $1)
	`, stuckAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// PurgeFailedJobs deletes failed jobs not touched for olderThan.
func (r *Repository) PurgeFailedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM dispatch_jobs
		WHERE status = 'failed' AND updated_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge failed jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats counts jobs per status.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM dispatch_jobs
	`).Scan(&stats.Pending, &stats.Processing, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
