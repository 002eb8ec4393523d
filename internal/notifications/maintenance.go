package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig contains dispatch queue housekeeping settings.
type MaintenanceConfig struct {
	RecoverSchedule string
	PurgeSchedule   string
	StuckAfter      time.Duration
	FailedRetention time.Duration
}

// Maintenance runs periodic housekeeping of the dispatch queue: jobs left in
// processing by a crashed worker are released, old failed jobs are purged and
// queue size gauges are refreshed.
type Maintenance struct {
	config MaintenanceConfig
	repo   Repository
	cron   *cron.Cron
}

// NewMaintenance creates maintenance tasks. Start must be called to schedule them.
func NewMaintenance(config MaintenanceConfig, repo Repository) *Maintenance {
	return &Maintenance{
		config: config,
		repo:   repo,
		cron:   cron.New(),
	}
}

// Start registers the tasks and starts the scheduler.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.config.RecoverSchedule, func() { m.Recover(ctx) }); err != nil {
		return fmt.Errorf("schedule recover task %q: %w", m.config.RecoverSchedule, err)
	}
	if _, err := m.cron.AddFunc(m.config.PurgeSchedule, func() { m.Purge(ctx) }); err != nil {
		return fmt.Errorf("schedule purge task %q: %w", m.config.PurgeSchedule, err)
	}

	m.cron.Start()
	slog.Info("dispatch maintenance started",
		"recover_schedule", m.config.RecoverSchedule,
		"purge_schedule", m.config.PurgeSchedule,
	)
	return nil
}

// Stop stops the scheduler and waits for running tasks.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	slog.Info("dispatch maintenance stopped")
}

// Recover returns stuck processing jobs to pending and refreshes queue gauges.
func (m *Maintenance) Recover(ctx context.Context) {
	n, err := m.repo.RecoverStuckJobs(ctx, m.config.StuckAfter)
	if err != nil {
		slog.Error("failed to recover stuck jobs", "error", err)
	} else if n > 0 {
		recordMaintenance("recover", n)
		slog.Warn("recovered stuck dispatch jobs", "count", n)
	}

	stats, err := m.repo.GetQueueStats(ctx)
	if err != nil {
		slog.Error("failed to get dispatch queue stats", "error", err)
		return
	}
	RecordQueueStats(stats)
}

// Purge deletes failed jobs older than the retention period.
func (m *Maintenance) Purge(ctx context.Context) {
	n, err := m.repo.PurgeFailedJobs(ctx, m.config.FailedRetention)
	if err != nil {
		slog.Error("failed to purge failed jobs", "error", err)
		return
	}
	if n > 0 {
		recordMaintenance("purge", n)
		slog.Info("purged failed dispatch jobs", "count", n)
	}
}
