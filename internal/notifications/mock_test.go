package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/queueline/internal/domain"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// mockRepository is an in-memory Repository. Due jobs are selected against clock.
type mockRepository struct {
	mu       sync.Mutex
	clock    *testClock
	prefs    map[string]*domain.NotificationPreference
	contacts map[string]*domain.Contact
	jobs     map[string]*DispatchJob
	deleted  []string
	retries  []time.Time

	enqueueErr error
}

func newMockRepository(clock *testClock) *mockRepository {
	return &mockRepository{
		clock:    clock,
		prefs:    make(map[string]*domain.NotificationPreference),
		contacts: make(map[string]*domain.Contact),
		jobs:     make(map[string]*DispatchJob),
	}
}

func (m *mockRepository) addUser(contact domain.Contact, pref *domain.NotificationPreference) {
	m.contacts[contact.UserID] = &contact
	if pref != nil {
		p := *pref
		p.UserID = contact.UserID
		m.prefs[contact.UserID] = &p
	}
}

func (m *mockRepository) GetOrCreatePreference(_ context.Context, userID string) (*domain.NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[userID]; !ok {
		return nil, ErrUserNotFound
	}
	pref, ok := m.prefs[userID]
	if !ok {
		def := domain.DefaultNotificationPreference(userID)
		pref = &def
		m.prefs[userID] = pref
	}
	cp := *pref
	return &cp, nil
}

func (m *mockRepository) UpsertPreference(_ context.Context, pref *domain.NotificationPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[pref.UserID]; !ok {
		return ErrUserNotFound
	}
	cp := *pref
	m.prefs[pref.UserID] = &cp
	return nil
}

func (m *mockRepository) GetContact(_ context.Context, userID string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepository) EnqueueJobs(_ context.Context, jobs []*DispatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	for _, job := range jobs {
		cp := *job
		m.jobs[job.ID] = &cp
	}
	return nil
}

func (m *mockRepository) FetchDueJobs(_ context.Context, limit int) ([]*DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*DispatchJob
	for _, job := range m.jobs {
		if job.Status == JobStatusPending && !job.NextAttemptAt.After(m.clock.Now()) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*DispatchJob, 0, len(due))
	for _, job := range due {
		job.Status = JobStatusProcessing
		job.Attempts++
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepository) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockRepository) MarkForRetry(_ context.Context, id string, err error, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = JobStatusPending
	job.LastError = err.Error()
	job.NextAttemptAt = nextAttempt
	m.retries = append(m.retries, nextAttempt)
	return nil
}

func (m *mockRepository) MarkAsFailed(_ context.Context, id string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = JobStatusFailed
	job.LastError = err.Error()
	return nil
}

func (m *mockRepository) RecoverStuckJobs(_ context.Context, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == JobStatusProcessing {
			job.Status = JobStatusPending
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) PurgeFailedJobs(_ context.Context, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.Status == JobStatusFailed {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) GetQueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats QueueStats
	for _, job := range m.jobs {
		switch job.Status {
		case JobStatusPending:
			stats.Pending++
		case JobStatusProcessing:
			stats.Processing++
		case JobStatusFailed:
			stats.Failed++
		}
	}
	return &stats, nil
}

func (m *mockRepository) jobList() []*DispatchJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DispatchJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out
}

// scriptedSender returns the scripted errors in order, then succeeds.
type scriptedSender struct {
	channel domain.ChannelType
	errs    []error
	sent    []Notification
	calls   int
}

func (s *scriptedSender) Type() domain.ChannelType { return s.channel }

func (s *scriptedSender) Send(_ context.Context, n Notification) error {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.sent = append(s.sent, n)
	return nil
}
