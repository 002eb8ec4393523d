package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/pkg/ctxlog"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	NumWorkers        int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         100,
		PollInterval:      time.Second,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		NumWorkers:        3,
	}
}

// Worker delivers due dispatch jobs.
type Worker struct {
	config     WorkerConfig
	repo       Repository
	dispatcher *Dispatcher
	renderer   *Renderer
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new dispatch worker.
func NewWorker(config WorkerConfig, repo Repository, dispatcher *Dispatcher, renderer *Renderer) *Worker {
	return &Worker{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		renderer:   renderer,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting dispatch worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"channels", senderChannels(w.dispatcher),
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("dispatch worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx, workerID)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, workerID int) {
	jobs, err := w.repo.FetchDueJobs(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch due jobs", "worker", workerID, "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	slog.Debug("processing dispatch jobs", "worker", workerID, "count", len(jobs))
	recordJobsFetched(len(jobs))

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
}

// processJob makes one delivery attempt. The attempt was already counted
// when the job was claimed.
func (w *Worker) processJob(ctx context.Context, job *DispatchJob) {
	start := time.Now()
	channel := string(job.Channel)
	ctx = ctxlog.With(ctx, "job_id", job.ID, "channel_type", channel, "event_type", string(job.EventType))

	// The user may have switched the channel off since enqueue.
	pref, err := w.repo.GetOrCreatePreference(ctx, job.UserID)
	if err != nil {
		w.handleSendError(ctx, job, err)
		return
	}
	if !pref.Enabled(job.Channel) {
		ctxlog.FromContext(ctx).Debug("discarding job for disabled channel")
		w.deleteJob(ctx, job)
		recordNotificationSent(channel, "skipped_disabled")
		return
	}

	contact, err := w.repo.GetContact(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			err = NewNonRetryableError(err)
		}
		w.handleSendError(ctx, job, err)
		return
	}
	address := contact.Address(job.Channel)
	if address == "" {
		w.handleSendError(ctx, job, NewNonRetryableError(fmt.Errorf("%w: %s", ErrMissingAddress, channel)))
		return
	}

	notification, err := w.renderer.Render(job.Channel, job.Payload, contact.Name)
	if err != nil {
		w.handleSendError(ctx, job, NewNonRetryableError(fmt.Errorf("render: %w", err)))
		return
	}
	notification.To = address

	err = w.dispatcher.Send(ctx, job.Channel, notification)
	duration := time.Since(start)
	if err != nil {
		w.handleSendError(ctx, job, err)
		return
	}

	w.deleteJob(ctx, job)
	recordNotificationSent(channel, "success")
	recordNotificationDuration(channel, duration)

	ctxlog.FromContext(ctx).Debug("notification sent", "duration", duration)
}

func (w *Worker) deleteJob(ctx context.Context, job *DispatchJob) {
	if err := w.repo.DeleteJob(ctx, job.ID); err != nil {
		ctxlog.FromContext(ctx).Error("failed to delete job", "error", err)
	}
}

func (w *Worker) handleSendError(ctx context.Context, job *DispatchJob, err error) {
	channel := string(job.Channel)
	logger := ctxlog.FromContext(ctx)
	logger.Warn("send failed",
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"error", err,
	)

	if Classify(err) == OutcomePermanent {
		w.markFailed(ctx, job, err)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		w.markFailed(ctx, job, fmt.Errorf("max attempts exceeded: %w", err))
		return
	}

	nextAttempt := w.calculateNextAttempt(job.Attempts)
	if markErr := w.repo.MarkForRetry(ctx, job.ID, err, nextAttempt); markErr != nil {
		logger.Error("failed to mark for retry", "error", markErr)
	}
	recordNotificationSent(channel, "retry")

	logger.Info("notification scheduled for retry", "next_attempt", nextAttempt)
}

func (w *Worker) markFailed(ctx context.Context, job *DispatchJob, err error) {
	logger := ctxlog.FromContext(ctx)
	if markErr := w.repo.MarkAsFailed(ctx, job.ID, err); markErr != nil {
		logger.Error("failed to mark as failed", "error", markErr)
	}
	recordNotificationSent(string(job.Channel), "failed")

	logger.Error("notification permanently failed",
		"user_id", job.UserID,
		"attempts", job.Attempts,
		"error", err,
	)
}

// calculateNextAttempt returns the retry instant after the given attempt:
// initial, initial*multiplier, ... capped at MaxBackoff.
func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return w.now().Add(time.Duration(backoff))
}

// senderChannels lists the channels a dispatcher can deliver to.
func senderChannels(d *Dispatcher) []domain.ChannelType {
	var out []domain.ChannelType
	for _, ch := range domain.AllChannelTypes {
		if d.Has(ch) {
			out = append(out, ch)
		}
	}
	return out
}
