package queues

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/jackc/pgx/v5"
)

// fakeTx records commit and rollback calls. Savepoints are fakeTx values too.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	savepoints []*fakeTx
}

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) {
	sp := &fakeTx{}
	t.savepoints = append(t.savepoints, sp)
	return sp, nil
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// mockRepository is an in-memory Repository. Mutations apply immediately.
type mockRepository struct {
	mu         sync.Mutex
	seq        int
	queues     map[string]*domain.Queue
	counters   map[string]*domain.Counter
	services   map[string]*domain.CounterService
	entries    map[string]*domain.Entry
	archive    []*domain.ArchiveRecord
	users      map[string]*domain.User
	known      map[string][]domain.KnownUser
	txs        []*fakeTx
	archiveErr error
	// countersErr fails ListCounters, which only snapshot reads use.
	countersErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		queues:   make(map[string]*domain.Queue),
		counters: make(map[string]*domain.Counter),
		services: make(map[string]*domain.CounterService),
		entries:  make(map[string]*domain.Entry),
		users:    make(map[string]*domain.User),
		known:    make(map[string][]domain.KnownUser),
	}
}

func (m *mockRepository) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%03d", prefix, m.seq)
}

func (m *mockRepository) addQueue(q domain.Queue) *domain.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == "" {
		q.ID = m.nextID("queue")
	}
	if q.Status == "" {
		q.Status = domain.QueueStatusActive
	}
	m.queues[q.ID] = &q
	return &q
}

func (m *mockRepository) addUser(u domain.User) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ShortID] = &u
	return &u
}

func (m *mockRepository) queue(id string) domain.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.queues[id]
}

func (m *mockRepository) CreateQueue(_ context.Context, q *domain.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = m.nextID("queue")
	cp := *q
	m.queues[q.ID] = &cp
	return nil
}

func (m *mockRepository) GetQueue(_ context.Context, id string) (*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *mockRepository) SetQueueStatus(_ context.Context, id string, status domain.QueueStatus) (*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	q.Status = status
	cp := *q
	return &cp, nil
}

func (m *mockRepository) CreateCounter(_ context.Context, c *domain.Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID("counter")
	cp := *c
	m.counters[c.ID] = &cp
	return nil
}

func (m *mockRepository) GetCounter(_ context.Context, id string) (*domain.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[id]
	if !ok {
		return nil, ErrCounterNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepository) ListCounters(_ context.Context, queueID string) ([]domain.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countersErr != nil {
		return nil, m.countersErr
	}
	out := make([]domain.Counter, 0)
	for _, c := range m.counters {
		if c.QueueID == queueID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockRepository) CreateCounterService(_ context.Context, svc *domain.CounterService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc.ID = m.nextID("service")
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *mockRepository) ListActiveCounterServices(_ context.Context, counterID string, ids []string) ([]domain.CounterService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CounterService, 0)
	for _, id := range ids {
		svc, ok := m.services[id]
		if ok && svc.CounterID == counterID && svc.IsActive {
			out = append(out, *svc)
		}
	}
	return out, nil
}

func (m *mockRepository) ListWaiting(_ context.Context, queueID string) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting(queueID), nil
}

func (m *mockRepository) waiting(queueID string) []*domain.Entry {
	out := make([]*domain.Entry, 0)
	for _, e := range m.entries {
		if e.QueueID == queueID && e.Status == domain.EntryStatusWaiting {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (m *mockRepository) GetWaitingEntryByUser(_ context.Context, queueID, userID string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.waiting(queueID) {
		if e.UserID == userID {
			return e, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *mockRepository) GetUserByShortID(_ context.Context, shortID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[shortID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockRepository) ListKnownUsers(_ context.Context, ownerID string) ([]domain.KnownUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.KnownUser(nil), m.known[ownerID]...), nil
}

func (m *mockRepository) BeginTx(_ context.Context) (pgx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &fakeTx{}
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *mockRepository) LockQueueTx(ctx context.Context, _ pgx.Tx, id string) (*domain.Queue, error) {
	return m.GetQueue(ctx, id)
}

func (m *mockRepository) ListWaitingTx(ctx context.Context, _ pgx.Tx, queueID string) ([]*domain.Entry, error) {
	return m.ListWaiting(ctx, queueID)
}

func (m *mockRepository) GetWaitingEntryTx(_ context.Context, _ pgx.Tx, queueID, entryID string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok || e.QueueID != queueID || e.Status != domain.EntryStatusWaiting {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepository) GetWaitingEntryByUserTx(ctx context.Context, _ pgx.Tx, queueID, userID string) (*domain.Entry, error) {
	return m.GetWaitingEntryByUser(ctx, queueID, userID)
}

func (m *mockRepository) CreateEntryTx(_ context.Context, _ pgx.Tx, entry *domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.nextID("entry")
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *mockRepository) DeleteEntryTx(_ context.Context, _ pgx.Tx, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entryID]; !ok {
		return ErrEntryNotFound
	}
	delete(m.entries, entryID)
	return nil
}

func (m *mockRepository) ArchiveEntryTx(_ context.Context, _ pgx.Tx, record *domain.ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveErr != nil {
		return m.archiveErr
	}
	record.ID = m.nextID("archive")
	m.archive = append(m.archive, record)
	return nil
}

func (m *mockRepository) RefreshPositionsTx(_ context.Context, _ pgx.Tx, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ranks := make(map[string]int)
	for _, e := range m.waiting(queueID) {
		key := scopeKey(e.CounterID)
		ranks[key]++
		pos := ranks[key]
		m.entries[e.ID].Position = &pos
	}
	return nil
}

func (m *mockRepository) IncrementOccupancyTx(_ context.Context, _ pgx.Tx, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueID]
	if q.CurrentOccupancy >= q.Capacity {
		return ErrQueueFull
	}
	q.CurrentOccupancy++
	return nil
}

func (m *mockRepository) DecrementOccupancyTx(_ context.Context, _ pgx.Tx, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueID]
	if q.CurrentOccupancy > 0 {
		q.CurrentOccupancy--
	}
	return nil
}

func (m *mockRepository) RecordServeTx(_ context.Context, _ pgx.Tx, queueID string, servedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queueID]
	q.TotalServed++
	q.NextServeAt = &servedAt
	return nil
}

func (m *mockRepository) SetDelayTx(_ context.Context, _ pgx.Tx, queueID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queueID].DelayUntil = &until
	return nil
}

func (m *mockRepository) AddKnownUserTx(_ context.Context, _ pgx.Tx, ownerID string, user domain.KnownUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.known[ownerID]
	for i := range list {
		if list[i].ShortID == user.ShortID {
			list[i].Name = user.Name
			return nil
		}
	}
	m.known[ownerID] = append(list, user)
	return nil
}

// recordingNotifier captures lifecycle events.
type recordingNotifier struct {
	mu          sync.Mutex
	joined      []JoinedEvent
	approaching []TurnApproachingEvent
	delayed     []DelayedEvent
	served      []ServedEvent
	err         error
}

func (n *recordingNotifier) OnJoined(_ context.Context, e JoinedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, e)
	return n.err
}

func (n *recordingNotifier) OnTurnApproaching(_ context.Context, e TurnApproachingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approaching = append(n.approaching, e)
	return n.err
}

func (n *recordingNotifier) OnDelayed(_ context.Context, e DelayedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayed = append(n.delayed, e)
	return n.err
}

func (n *recordingNotifier) OnServed(_ context.Context, e ServedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.served = append(n.served, e)
	return n.err
}

// recordingPublisher captures queue changes.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []QueueChange
}

func (p *recordingPublisher) PublishQueueChange(_ context.Context, change QueueChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

func (p *recordingPublisher) kinds() []ChangeKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChangeKind, 0, len(p.changes))
	for _, c := range p.changes {
		out = append(out, c.Kind)
	}
	return out
}

// testClock is a settable clock for the service.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
