package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "queueline"

var (
	dispatchQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of dispatch jobs by status",
		},
		[]string{"status"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Total dispatch jobs enqueued",
		},
		[]string{"event_type", "channel_type"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total delivery attempts by outcome",
		},
		[]string{"channel_type", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)

	jobsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_fetched_total",
			Help:      "Total dispatch jobs claimed by workers. Sum of sent_total should match this.",
		},
	)

	maintenanceJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "maintenance_jobs_total",
			Help:      "Dispatch jobs touched by maintenance tasks",
		},
		[]string{"task"},
	)
)

func recordJobsEnqueued(jobs []*DispatchJob) {
	for _, job := range jobs {
		jobsEnqueued.WithLabelValues(string(job.EventType), string(job.Channel)).Inc()
	}
}

// recordNotificationSent records a delivery attempt outcome.
func recordNotificationSent(channelType, status string) {
	notificationsSent.WithLabelValues(channelType, status).Inc()
}

// recordNotificationDuration records notification send duration.
func recordNotificationDuration(channelType string, duration time.Duration) {
	notificationSendDuration.WithLabelValues(channelType).Observe(duration.Seconds())
}

func recordJobsFetched(count int) {
	jobsFetched.Add(float64(count))
}

func recordMaintenance(task string, count int64) {
	maintenanceJobs.WithLabelValues(task).Add(float64(count))
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	dispatchQueueSize.WithLabelValues(string(JobStatusPending)).Set(float64(stats.Pending))
	dispatchQueueSize.WithLabelValues(string(JobStatusProcessing)).Set(float64(stats.Processing))
	dispatchQueueSize.WithLabelValues(string(JobStatusFailed)).Set(float64(stats.Failed))
}
