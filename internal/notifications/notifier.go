package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/queues"
	"github.com/google/uuid"
)

// NotifierConfig contains enqueue settings.
type NotifierConfig struct {
	// BaseURL is the public frontend address used for queue links.
	BaseURL string
	// StaggerInterval spaces out fan-out deliveries per recipient.
	StaggerInterval time.Duration
	MaxAttempts     int
}

// Notifier turns lifecycle events into durable dispatch jobs.
type Notifier struct {
	repo       Repository
	dispatcher *Dispatcher
	config     NotifierConfig
	now        func() time.Time
}

var _ queues.EventNotifier = (*Notifier)(nil)

// NewNotifier creates a new Notifier.
func NewNotifier(repo Repository, dispatcher *Dispatcher, config NotifierConfig) *Notifier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &Notifier{
		repo:       repo,
		dispatcher: dispatcher,
		config:     config,
		now:        time.Now,
	}
}

// OnJoined enqueues the join confirmation.
func (n *Notifier) OnJoined(ctx context.Context, event queues.JoinedEvent) error {
	now := n.now()
	expected := event.ExpectedAt
	payload := n.basePayload(EventJoinedQueue, event.Queue, now)
	payload.EntryID = event.Entry.ID
	payload.Position = event.Position
	payload.WaitMinutes = waitMinutes(event.Wait)
	payload.ExpectedAt = &expected

	return n.enqueue(ctx, []recipient{{userID: event.Entry.UserID, payload: payload}}, now)
}

// OnTurnApproaching enqueues the heads-up for an entry close to the front.
func (n *Notifier) OnTurnApproaching(ctx context.Context, event queues.TurnApproachingEvent) error {
	now := n.now()
	expected := event.ExpectedAt
	payload := n.basePayload(EventTurnApproaching, event.Queue, now)
	payload.EntryID = event.Entry.ID
	payload.Position = event.Position
	payload.WaitMinutes = waitMinutes(event.Wait)
	payload.ExpectedAt = &expected

	return n.enqueue(ctx, []recipient{{userID: event.Entry.UserID, payload: payload}}, now)
}

// OnDelayed enqueues one delay notice per waiting customer, staggered in join order.
func (n *Notifier) OnDelayed(ctx context.Context, event queues.DelayedEvent) error {
	if len(event.Recipients) == 0 {
		return nil
	}

	now := n.now()
	original := event.OriginalTime
	newTime := event.NewTime

	recipients := make([]recipient, 0, len(event.Recipients))
	for i, r := range event.Recipients {
		expected := r.ExpectedAt
		payload := n.basePayload(EventQueueDelayed, event.Queue, now)
		payload.EntryID = r.EntryID
		payload.Position = r.Position
		payload.WaitMinutes = waitMinutes(expected.Sub(now))
		payload.ExpectedAt = &expected
		payload.OriginalTime = &original
		payload.NewTime = &newTime

		recipients = append(recipients, recipient{
			userID:  r.UserID,
			payload: payload,
			delay:   time.Duration(i) * n.config.StaggerInterval,
		})
	}

	return n.enqueue(ctx, recipients, now)
}

// OnServed enqueues the thank-you message.
func (n *Notifier) OnServed(ctx context.Context, event queues.ServedEvent) error {
	now := n.now()
	servedAt := event.Archive.LeftAt
	payload := n.basePayload(EventCustomerServed, event.Queue, now)
	payload.EntryID = event.Archive.EntryID
	payload.Position = event.Archive.LeftPosition
	payload.ServedAt = &servedAt
	payload.ActualWaitMinutes = wholeMinutes(event.Archive.ActualWait)

	return n.enqueue(ctx, []recipient{{userID: event.Archive.UserID, payload: payload}}, now)
}

type recipient struct {
	userID  string
	payload Payload
	delay   time.Duration
}

// enqueue inserts one job per recipient and channel that is both enabled in
// the recipient's preferences and served by a registered sender.
func (n *Notifier) enqueue(ctx context.Context, recipients []recipient, now time.Time) error {
	var jobs []*DispatchJob
	for _, r := range recipients {
		pref, err := n.repo.GetOrCreatePreference(ctx, r.userID)
		if err != nil {
			return fmt.Errorf("get preferences for %s: %w", r.userID, err)
		}

		for _, channel := range pref.EnabledChannels() {
			if !n.dispatcher.Has(channel) {
				continue
			}
			jobs = append(jobs, &DispatchJob{
				ID:            uuid.NewString(),
				EventType:     r.payload.EventType,
				UserID:        r.userID,
				Channel:       channel,
				Payload:       r.payload,
				Status:        JobStatusPending,
				MaxAttempts:   n.config.MaxAttempts,
				NextAttemptAt: now.Add(r.delay),
			})
		}
	}

	if len(jobs) == 0 {
		slog.Debug("no deliverable channels", "recipients", len(recipients))
		return nil
	}

	if err := n.repo.EnqueueJobs(ctx, jobs); err != nil {
		return fmt.Errorf("enqueue dispatch jobs: %w", err)
	}
	recordJobsEnqueued(jobs)

	slog.Debug("dispatch jobs enqueued",
		"event_type", jobs[0].EventType,
		"recipients", len(recipients),
		"jobs", len(jobs),
	)
	return nil
}

func (n *Notifier) basePayload(eventType EventType, queue *domain.Queue, now time.Time) Payload {
	return Payload{
		EventType:   eventType,
		QueueID:     queue.ID,
		QueueName:   queue.Name,
		TimeZone:    queue.TimeZone,
		QueueURL:    n.queueURL(queue.ID),
		GeneratedAt: now,
	}
}

func (n *Notifier) queueURL(queueID string) string {
	if n.config.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(n.config.BaseURL, "/") + "/queues/" + queueID
}

// waitMinutes rounds a wait up to whole minutes.
func waitMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
