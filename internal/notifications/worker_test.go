package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	clock    *testClock
	repo     *mockRepository
	worker   *Worker
	email    *scriptedSender
	sms      *scriptedSender
	customer string
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	repo := newMockRepository(clock)
	email := &scriptedSender{channel: domain.ChannelTypeEmail}
	sms := &scriptedSender{channel: domain.ChannelTypeSMS}

	renderer, err := NewRenderer()
	require.NoError(t, err)

	worker := NewWorker(DefaultWorkerConfig(), repo, NewDispatcher(email, sms), renderer)
	worker.now = clock.Now

	customer := uuid.NewString()
	repo.addUser(domain.Contact{UserID: customer, Name: "Ann", Email: "ann@example.com", Phone: "+49 151 1234"}, nil)

	return &workerFixture{clock: clock, repo: repo, worker: worker, email: email, sms: sms, customer: customer}
}

func (f *workerFixture) enqueue(t *testing.T, channel domain.ChannelType) string {
	t.Helper()
	expected := f.clock.now.Add(20 * time.Minute)
	job := &DispatchJob{
		ID:        uuid.NewString(),
		EventType: EventJoinedQueue,
		UserID:    f.customer,
		Channel:   channel,
		Payload: Payload{
			EventType:   EventJoinedQueue,
			QueueID:     uuid.NewString(),
			QueueName:   "barber",
			Position:    3,
			WaitMinutes: 20,
			ExpectedAt:  &expected,
		},
		Status:        JobStatusPending,
		MaxAttempts:   3,
		NextAttemptAt: f.clock.now,
	}
	require.NoError(t, f.repo.EnqueueJobs(context.Background(), []*DispatchJob{job}))
	return job.ID
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, domain.ChannelTypeEmail)
	f.email.errs = []error{
		NewRetryableError(errors.New("timeout")),
		NewRetryableError(errors.New("timeout")),
	}
	start := f.clock.now

	f.worker.processBatch(ctx, 0)
	require.Len(t, f.repo.retries, 1)
	assert.Equal(t, start.Add(2*time.Second), f.repo.retries[0])

	// Not due yet.
	f.clock.Advance(time.Second)
	f.worker.processBatch(ctx, 0)
	assert.Equal(t, 1, f.email.calls)

	f.clock.Advance(time.Second)
	f.worker.processBatch(ctx, 0)
	require.Len(t, f.repo.retries, 2)
	assert.Equal(t, f.clock.now.Add(4*time.Second), f.repo.retries[1])

	f.clock.Advance(4 * time.Second)
	f.worker.processBatch(ctx, 0)

	assert.Equal(t, 3, f.email.calls)
	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "ann@example.com", f.email.sent[0].To)
	assert.Equal(t, []string{id}, f.repo.deleted)
	assert.Empty(t, f.repo.jobList())

	f.clock.Advance(time.Hour)
	f.worker.processBatch(ctx, 0)
	assert.Equal(t, 3, f.email.calls, "no attempt after success")
}

func TestWorker_NeverAttemptsFourthTime(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.enqueue(t, domain.ChannelTypeEmail)
	for i := 0; i < 5; i++ {
		f.email.errs = append(f.email.errs, NewRetryableError(errors.New("unavailable")))
	}

	for i := 0; i < 6; i++ {
		f.worker.processBatch(ctx, 0)
		f.clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, f.email.calls)
	jobs := f.repo.jobList()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.Contains(t, jobs[0].LastError, "max attempts exceeded")
}

func TestWorker_PermanentErrorFailsImmediately(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueue(t, domain.ChannelTypeEmail)
	f.email.errs = []error{NewNonRetryableError(errors.New("mailbox does not exist"))}

	f.worker.processBatch(context.Background(), 0)

	assert.Equal(t, 1, f.email.calls)
	assert.Empty(t, f.repo.retries)
	jobs := f.repo.jobList()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status)
}

func TestWorker_DiscardsJobForDisabledChannel(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, domain.ChannelTypeSMS)

	pref := domain.DefaultNotificationPreference(f.customer)
	pref.SMSEnabled = false
	require.NoError(t, f.repo.UpsertPreference(ctx, &pref))

	f.worker.processBatch(ctx, 0)

	assert.Zero(t, f.sms.calls)
	assert.Equal(t, []string{id}, f.repo.deleted)
}

func TestWorker_MissingAddressIsPermanent(t *testing.T) {
	f := newWorkerFixture(t)
	f.repo.contacts[f.customer].Phone = ""
	f.enqueue(t, domain.ChannelTypeSMS)

	f.worker.processBatch(context.Background(), 0)

	assert.Zero(t, f.sms.calls)
	jobs := f.repo.jobList()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].LastError, ErrMissingAddress.Error())
}

func TestWorker_NormalizesPhone(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueue(t, domain.ChannelTypeSMS)

	f.worker.processBatch(context.Background(), 0)

	require.Len(t, f.sms.sent, 1)
	assert.Equal(t, "+491511234", f.sms.sent[0].To)
	assert.Contains(t, f.sms.sent[0].Body, "3rd in line")
}

func TestWorker_CalculateNextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	worker := &Worker{
		config: WorkerConfig{
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		},
		now: func() time.Time { return now },
	}

	tests := []struct {
		name            string
		attempt         int
		expectedBackoff time.Duration
	}{
		{"first retry", 1, 2 * time.Second},
		{"second retry", 2, 4 * time.Second},
		{"third retry", 3, 8 * time.Second},
		{"capped", 4, 10 * time.Second},
		{"still capped", 10, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, now.Add(tt.expectedBackoff), worker.calculateNextAttempt(tt.attempt))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"retryable", NewRetryableError(errors.New("x")), OutcomeRetryable},
		{"permanent", NewNonRetryableError(errors.New("x")), OutcomePermanent},
		{"wrapped permanent", errors.Join(errors.New("ctx"), NewNonRetryableError(errors.New("x"))), OutcomePermanent},
		{"unknown", errors.New("x"), OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDispatcher_Send_NoSender(t *testing.T) {
	d := NewDispatcher(&scriptedSender{channel: domain.ChannelTypeEmail}, nil)

	assert.True(t, d.Has(domain.ChannelTypeEmail))
	assert.False(t, d.Has(domain.ChannelTypeChat))

	err := d.Send(context.Background(), domain.ChannelTypeChat, Notification{})
	assert.ErrorIs(t, err, ErrNoSender)
	assert.Equal(t, OutcomePermanent, Classify(err))
}

func TestMaintenance_RecoverAndPurge(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.enqueue(t, domain.ChannelTypeEmail)
	f.enqueue(t, domain.ChannelTypeSMS)

	jobs, err := f.repo.FetchDueJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	m := NewMaintenance(MaintenanceConfig{StuckAfter: time.Minute, FailedRetention: time.Hour}, f.repo)
	m.Recover(ctx)

	stats, err := f.repo.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)

	require.NoError(t, f.repo.MarkAsFailed(ctx, jobs[0].ID, errors.New("boom")))
	m.Purge(ctx)

	assert.Len(t, f.repo.jobList(), 1)
}

func TestMaintenance_StartRejectsBadSchedule(t *testing.T) {
	m := NewMaintenance(MaintenanceConfig{RecoverSchedule: "not a schedule", PurgeSchedule: "@hourly"}, newMockRepository(&testClock{}))
	assert.Error(t, m.Start(context.Background()))
}
