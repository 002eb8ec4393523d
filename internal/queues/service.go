package queues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/estimate"
	"github.com/bissquit/queueline/internal/pkg/ctxlog"
	"github.com/bissquit/queueline/internal/pkg/metrics"
	"github.com/jackc/pgx/v5"
)

const (
	defaultTurnApproachingRank = 3
	notifyTimeout              = 10 * time.Second
)

// Config holds lifecycle settings.
type Config struct {
	// TurnApproachingRank is the position that receives a heads-up after each serve.
	TurnApproachingRank int
}

// Service implements queue lifecycle business logic.
type Service struct {
	repo      Repository
	notifier  EventNotifier
	publisher ChangePublisher
	config    Config
	now       func() time.Time
}

// NewService creates a new queue service. notifier and publisher may be nil.
func NewService(repo Repository, notifier EventNotifier, publisher ChangePublisher, config Config) *Service {
	if config.TurnApproachingRank <= 0 {
		config.TurnApproachingRank = defaultTurnApproachingRank
	}
	return &Service{
		repo:      repo,
		notifier:  notifier,
		publisher: publisher,
		config:    config,
		now:       time.Now,
	}
}

// CreateQueueInput holds data for creating a queue.
type CreateQueueInput struct {
	Name            string
	Capacity        int
	ServiceDuration time.Duration
	ServiceStart    *domain.TimeOfDay
	TimeZone        string
}

// CreateCounterInput holds data for creating a counter.
type CreateCounterInput struct {
	QueueID      string
	Name         string
	ServiceStart *domain.TimeOfDay
}

// CreateCounterServiceInput holds data for creating a counter sub-service.
type CreateCounterServiceInput struct {
	CounterID         string
	Name              string
	EstimatedDuration time.Duration
}

// JoinInput holds data for joining a queue.
type JoinInput struct {
	QueueID    string
	UserID     string
	CounterID  *string
	ServiceIDs []string
	AddedBy    *string
}

// Placement is an entry together with its live position and estimate.
type Placement struct {
	Entry                *domain.Entry `json:"entry"`
	Position             int           `json:"position"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
	ExpectedAt           time.Time     `json:"expected_at"`
}

// KnownUserPlacement is the result of adding a known user to a queue.
type KnownUserPlacement struct {
	Entry *domain.Entry `json:"entry"`
	Name  string        `json:"name"`
}

// Snapshot is a queue with its waiting line, positions and estimates.
type Snapshot struct {
	Queue       *domain.Queue `json:"queue"`
	Waiting     []Placement   `json:"waiting"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// CreateQueue creates a new queue owned by ownerID.
func (s *Service) CreateQueue(ctx context.Context, input CreateQueueInput, ownerID string) (*domain.Queue, error) {
	if input.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrValidation)
	}
	if input.ServiceDuration <= 0 {
		return nil, fmt.Errorf("%w: service duration must be positive", ErrValidation)
	}
	if input.TimeZone == "" {
		input.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(input.TimeZone); err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", ErrValidation, input.TimeZone)
	}

	queue := &domain.Queue{
		OwnerID:         ownerID,
		Name:            input.Name,
		Capacity:        input.Capacity,
		ServiceDuration: input.ServiceDuration,
		ServiceStart:    input.ServiceStart,
		TimeZone:        input.TimeZone,
		Status:          domain.QueueStatusActive,
	}
	if err := s.repo.CreateQueue(ctx, queue); err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	return queue, nil
}

// CreateCounter adds a counter to a queue.
func (s *Service) CreateCounter(ctx context.Context, input CreateCounterInput) (*domain.Counter, error) {
	if _, err := s.repo.GetQueue(ctx, input.QueueID); err != nil {
		return nil, err
	}
	counter := &domain.Counter{
		QueueID:      input.QueueID,
		Name:         input.Name,
		ServiceStart: input.ServiceStart,
		Status:       domain.CounterStatusActive,
	}
	if err := s.repo.CreateCounter(ctx, counter); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return counter, nil
}

// CreateCounterService adds a selectable sub-service to a counter.
func (s *Service) CreateCounterService(ctx context.Context, input CreateCounterServiceInput) (*domain.CounterService, error) {
	if input.EstimatedDuration <= 0 {
		return nil, fmt.Errorf("%w: estimated duration must be positive", ErrValidation)
	}
	if _, err := s.repo.GetCounter(ctx, input.CounterID); err != nil {
		return nil, err
	}
	svc := &domain.CounterService{
		CounterID:         input.CounterID,
		Name:              input.Name,
		EstimatedDuration: input.EstimatedDuration,
		IsActive:          true,
	}
	if err := s.repo.CreateCounterService(ctx, svc); err != nil {
		return nil, fmt.Errorf("create counter service: %w", err)
	}
	return svc, nil
}

// Join adds a user to the back of a queue, or of one of its counters.
func (s *Service) Join(ctx context.Context, input JoinInput) (*Placement, error) {
	placement, _, err := s.join(ctx, input, nil)
	return placement, err
}

// AddKnownUser joins the user identified by shortID on behalf of staff member
// addedBy and remembers the user in the staff member's known-users list.
func (s *Service) AddKnownUser(ctx context.Context, queueID, shortID, addedBy string) (*KnownUserPlacement, error) {
	if shortID == "" {
		return nil, fmt.Errorf("%w: short id is required", ErrValidation)
	}

	user, err := s.repo.GetUserByShortID(ctx, shortID)
	if err != nil {
		return nil, err
	}

	remember := func(ctx context.Context, tx pgx.Tx) error {
		return s.repo.AddKnownUserTx(ctx, tx, addedBy, domain.KnownUser{
			ShortID: user.ShortID,
			Name:    user.Name,
		})
	}

	placement, _, err := s.join(ctx, JoinInput{
		QueueID: queueID,
		UserID:  user.ID,
		AddedBy: &addedBy,
	}, remember)
	if err != nil {
		return nil, err
	}

	return &KnownUserPlacement{Entry: placement.Entry, Name: user.Name}, nil
}

// ListKnownUsers returns the known-users list of a staff member.
func (s *Service) ListKnownUsers(ctx context.Context, ownerID string) ([]domain.KnownUser, error) {
	users, err := s.repo.ListKnownUsers(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list known users: %w", err)
	}
	return users, nil
}

func (s *Service) join(ctx context.Context, input JoinInput, extra func(context.Context, pgx.Tx) error) (*Placement, *domain.Queue, error) {
	if input.QueueID == "" {
		return nil, nil, fmt.Errorf("%w: queue id is required", ErrValidation)
	}
	if input.UserID == "" {
		return nil, nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if input.CounterID == nil && len(input.ServiceIDs) > 0 {
		return nil, nil, fmt.Errorf("%w: services require a counter", ErrValidation)
	}

	now := s.now()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	queue, err := s.repo.LockQueueTx(ctx, tx, input.QueueID)
	if err != nil {
		return nil, nil, err
	}
	if queue.Status == domain.QueueStatusPaused {
		metrics.QueueRejections.WithLabelValues("paused").Inc()
		return nil, nil, ErrQueuePaused
	}
	if queue.IsFull() {
		metrics.QueueRejections.WithLabelValues("full").Inc()
		return nil, nil, ErrQueueFull
	}

	_, err = s.repo.GetWaitingEntryByUserTx(ctx, tx, queue.ID, input.UserID)
	switch {
	case err == nil:
		metrics.QueueRejections.WithLabelValues("already_waiting").Inc()
		return nil, nil, ErrAlreadyWaiting
	case !errors.Is(err, ErrEntryNotFound):
		return nil, nil, fmt.Errorf("check waiting entry: %w", err)
	}

	var (
		counter  *domain.Counter
		services []domain.EntryService
	)
	if input.CounterID != nil {
		counter, services, err = s.resolveCounter(ctx, queue.ID, *input.CounterID, input.ServiceIDs)
		if err != nil {
			return nil, nil, err
		}
	}

	entry := &domain.Entry{
		QueueID:   queue.ID,
		UserID:    input.UserID,
		CounterID: input.CounterID,
		Status:    domain.EntryStatusWaiting,
		Services:  services,
		AddedBy:   input.AddedBy,
		JoinedAt:  now,
	}
	if err := s.repo.CreateEntryTx(ctx, tx, entry); err != nil {
		return nil, nil, err
	}
	if err := s.repo.IncrementOccupancyTx(ctx, tx, queue.ID); err != nil {
		return nil, nil, err
	}
	if extra != nil {
		if err := extra(ctx, tx); err != nil {
			return nil, nil, err
		}
	}

	waiting, err := s.repo.ListWaitingTx(ctx, tx, queue.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list waiting entries: %w", err)
	}
	if err := s.repo.RefreshPositionsTx(ctx, tx, queue.ID); err != nil {
		return nil, nil, fmt.Errorf("refresh positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	queue.CurrentOccupancy++
	metrics.QueueTransitions.WithLabelValues(string(ChangeJoined)).Inc()

	line := scopeLine(waiting, entry.CounterID)
	est, err := estimate.For(now, estimate.ScheduleFor(queue, counter), estimate.Slots(line, queue.ServiceDuration), entry.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("estimate joined entry: %w", err)
	}
	entry.Position = &est.Position

	ctxlog.FromContext(ctx).Info("user joined queue",
		"queue_id", queue.ID,
		"entry_id", entry.ID,
		"position", est.Position,
	)

	s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.OnJoined(ctx, JoinedEvent{
			Queue:      queue,
			Entry:      entry,
			Position:   est.Position,
			ExpectedAt: est.ExpectedAt,
			Wait:       est.Wait,
		})
	})
	s.publish(ctx, queue.ID, ChangeJoined, now)

	return placementOf(entry, est), queue, nil
}

func (s *Service) resolveCounter(ctx context.Context, queueID, counterID string, serviceIDs []string) (*domain.Counter, []domain.EntryService, error) {
	counter, err := s.repo.GetCounter(ctx, counterID)
	if err != nil {
		return nil, nil, err
	}
	if counter.QueueID != queueID {
		return nil, nil, ErrCounterNotFound
	}
	if counter.Status != domain.CounterStatusActive {
		return nil, nil, ErrCounterPaused
	}

	ids := dedup(serviceIDs)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: %w: at least one service is required", ErrValidation, ErrInvalidServices)
	}
	found, err := s.repo.ListActiveCounterServices(ctx, counter.ID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("list counter services: %w", err)
	}
	if len(found) != len(ids) {
		return nil, nil, fmt.Errorf("%w: %w", ErrValidation, ErrInvalidServices)
	}

	services := make([]domain.EntryService, 0, len(found))
	for _, svc := range found {
		services = append(services, domain.EntryService{
			ServiceID:         svc.ID,
			Name:              svc.Name,
			EstimatedDuration: svc.EstimatedDuration,
		})
	}
	return counter, services, nil
}

// Leave removes the user's waiting entry from a queue.
func (s *Service) Leave(ctx context.Context, queueID, userID, actor string) error {
	if queueID == "" || userID == "" {
		return fmt.Errorf("%w: queue id and user id are required", ErrValidation)
	}

	res, err := s.resolve(ctx, resolveInput{
		queueID:    queueID,
		userID:     userID,
		resolution: domain.EntryStatusLeft,
		actor:      actor,
	})
	if err != nil {
		return err
	}
	s.announceApproaching(ctx, res)
	return nil
}

// Serve marks a waiting entry as served and returns the updated snapshot.
func (s *Service) Serve(ctx context.Context, queueID, entryID, actor string) (*Snapshot, error) {
	res, err := s.resolve(ctx, resolveInput{
		queueID:    queueID,
		entryID:    entryID,
		resolution: domain.EntryStatusServed,
		actor:      actor,
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.OnServed(ctx, ServedEvent{Queue: res.queue, Archive: res.archive})
	})
	s.announceApproaching(ctx, res)

	snapshot, err := s.Snapshot(ctx, queueID)
	if err != nil {
		// The serve is committed; report it instead of an error a retry can't fix.
		ctxlog.FromContext(ctx).Warn("failed to read snapshot after serve", "queue_id", queueID, "error", err)
		return res.snapshot(), nil
	}
	return snapshot, nil
}

// NoShow marks a waiting entry as not having shown up.
func (s *Service) NoShow(ctx context.Context, queueID, entryID, actor string) error {
	res, err := s.resolve(ctx, resolveInput{
		queueID:    queueID,
		entryID:    entryID,
		resolution: domain.EntryStatusNoShow,
		actor:      actor,
	})
	if err != nil {
		return err
	}
	s.announceApproaching(ctx, res)
	return nil
}

type resolveInput struct {
	queueID    string
	entryID    string
	userID     string
	resolution domain.EntryStatus
	actor      string
}

type resolveResult struct {
	queue     *domain.Queue
	counter   *domain.Counter
	archive   *domain.ArchiveRecord
	remaining []*domain.Entry
	now       time.Time
}

// resolve moves a waiting entry to a terminal status. The entry is looked up
// by id, or by user when no id is given.
func (s *Service) resolve(ctx context.Context, input resolveInput) (*resolveResult, error) {
	if !domain.EntryStatusWaiting.CanTransitionTo(input.resolution) {
		return nil, fmt.Errorf("%w: invalid resolution %q", ErrValidation, input.resolution)
	}
	now := s.now()

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	queue, err := s.repo.LockQueueTx(ctx, tx, input.queueID)
	if err != nil {
		return nil, err
	}

	var entry *domain.Entry
	if input.entryID != "" {
		entry, err = s.repo.GetWaitingEntryTx(ctx, tx, queue.ID, input.entryID)
	} else {
		entry, err = s.repo.GetWaitingEntryByUserTx(ctx, tx, queue.ID, input.userID)
	}
	if err != nil {
		return nil, err
	}

	var counter *domain.Counter
	if entry.CounterID != nil {
		counter, err = s.repo.GetCounter(ctx, *entry.CounterID)
		if err != nil {
			return nil, fmt.Errorf("get counter: %w", err)
		}
	}

	waiting, err := s.repo.ListWaitingTx(ctx, tx, queue.ID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	line := scopeLine(waiting, entry.CounterID)
	slots := estimate.Slots(line, queue.ServiceDuration)

	est, err := estimate.For(now, estimate.ScheduleFor(queue, counter), slots, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("estimate resolved entry: %w", err)
	}
	record := domain.NewArchiveRecord(entry, input.resolution, now, est.ExpectedAt.Sub(entry.JoinedAt), est.Position, input.actor)

	if input.resolution == domain.EntryStatusLeft {
		s.archiveBestEffort(ctx, tx, record)
	} else if err := s.repo.ArchiveEntryTx(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("archive entry: %w", err)
	}

	if err := s.repo.DeleteEntryTx(ctx, tx, entry.ID); err != nil {
		return nil, fmt.Errorf("delete entry: %w", err)
	}
	if err := s.repo.DecrementOccupancyTx(ctx, tx, queue.ID); err != nil {
		return nil, fmt.Errorf("decrement occupancy: %w", err)
	}
	if input.resolution == domain.EntryStatusServed {
		if err := s.repo.RecordServeTx(ctx, tx, queue.ID, now); err != nil {
			return nil, fmt.Errorf("record serve: %w", err)
		}
	}
	if err := s.repo.RefreshPositionsTx(ctx, tx, queue.ID); err != nil {
		return nil, fmt.Errorf("refresh positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.QueueTransitions.WithLabelValues(string(input.resolution)).Inc()
	if queue.CurrentOccupancy > 0 {
		queue.CurrentOccupancy--
	}
	if input.resolution == domain.EntryStatusServed {
		queue.TotalServed++
		queue.NextServeAt = &now
	}

	ctxlog.FromContext(ctx).Info("entry resolved",
		"queue_id", queue.ID,
		"entry_id", entry.ID,
		"resolution", input.resolution,
		"position", est.Position,
	)
	s.publish(ctx, queue.ID, changeKindFor(input.resolution), now)

	remaining := make([]*domain.Entry, 0, len(line))
	for _, e := range line {
		if e.ID != entry.ID {
			remaining = append(remaining, e)
		}
	}

	return &resolveResult{
		queue:     queue,
		counter:   counter,
		archive:   record,
		remaining: remaining,
		now:       now,
	}, nil
}

// archiveBestEffort writes the archive record inside a savepoint so that a
// failure does not abort the surrounding transaction.
func (s *Service) archiveBestEffort(ctx context.Context, tx pgx.Tx, record *domain.ArchiveRecord) {
	logger := ctxlog.FromContext(ctx)

	sp, err := tx.Begin(ctx)
	if err != nil {
		logger.Warn("failed to open archive savepoint", "entry_id", record.EntryID, "error", err)
		return
	}
	if err := s.repo.ArchiveEntryTx(ctx, sp, record); err != nil {
		logger.Warn("failed to archive entry", "entry_id", record.EntryID, "error", err)
		if rbErr := sp.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.Error("failed to rollback archive savepoint", "error", rbErr)
		}
		return
	}
	if err := sp.Commit(ctx); err != nil {
		logger.Warn("failed to release archive savepoint", "entry_id", record.EntryID, "error", err)
	}
}

// snapshot is the resolved entry's line right after commit. It stands in for
// a full snapshot when that cannot be read back.
func (r *resolveResult) snapshot() *Snapshot {
	line := estimate.Line(r.now, estimate.ScheduleFor(r.queue, r.counter), estimate.Slots(r.remaining, r.queue.ServiceDuration))
	byID := make(map[string]estimate.Estimate, len(line))
	for _, est := range line {
		byID[est.EntryID] = est
	}

	placements := make([]Placement, 0, len(r.remaining))
	for _, e := range r.remaining {
		placements = append(placements, *placementOf(e, byID[e.ID]))
	}
	return &Snapshot{Queue: r.queue, Waiting: placements, GeneratedAt: r.now}
}

// announceApproaching notifies the entry that now stands at the configured
// rank. Only a resolution at or ahead of that rank moves someone onto it.
func (s *Service) announceApproaching(ctx context.Context, res *resolveResult) {
	rank := s.config.TurnApproachingRank
	if len(res.remaining) < rank || res.archive.LeftPosition > rank {
		return
	}

	schedule := estimate.ScheduleFor(res.queue, res.counter)
	slots := estimate.Slots(res.remaining, res.queue.ServiceDuration)
	target := res.remaining[rank-1]
	est, err := estimate.For(res.now, schedule, slots, target.ID)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to estimate approaching entry", "entry_id", target.ID, "error", err)
		return
	}

	s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.OnTurnApproaching(ctx, TurnApproachingEvent{
			Queue:      res.queue,
			Entry:      target,
			Position:   est.Position,
			ExpectedAt: est.ExpectedAt,
			Wait:       est.Wait,
		})
	})
}

// SetDelay postpones service of a queue until the given instant and informs
// every waiting customer.
func (s *Service) SetDelay(ctx context.Context, queueID string, until time.Time) (*Snapshot, error) {
	now := s.now()
	if until.IsZero() || !until.After(now) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrInvalidDelay)
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	queue, err := s.repo.LockQueueTx(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}
	original := estimate.BaseInstant(now, estimate.ScheduleFor(queue, nil))

	if err := s.repo.SetDelayTx(ctx, tx, queue.ID, until); err != nil {
		return nil, fmt.Errorf("set delay: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	ctxlog.FromContext(ctx).Info("queue delayed",
		"queue_id", queue.ID,
		"original", original,
		"delay_until", until,
	)

	snapshot, err := s.Snapshot(ctx, queue.ID)
	if err != nil {
		return nil, err
	}

	recipients := make([]DelayedRecipient, 0, len(snapshot.Waiting))
	for _, p := range snapshot.Waiting {
		recipients = append(recipients, DelayedRecipient{
			UserID:     p.Entry.UserID,
			EntryID:    p.Entry.ID,
			Position:   p.Position,
			ExpectedAt: p.ExpectedAt,
		})
	}
	if len(recipients) > 0 {
		s.notify(ctx, func(ctx context.Context) error {
			return s.notifier.OnDelayed(ctx, DelayedEvent{
				Queue:        snapshot.Queue,
				OriginalTime: original,
				NewTime:      until,
				Recipients:   recipients,
			})
		})
	}
	s.publish(ctx, queue.ID, ChangeDelayed, now)

	return snapshot, nil
}

// Pause stops a queue from accepting new entries.
func (s *Service) Pause(ctx context.Context, queueID string) (*domain.Queue, error) {
	return s.setStatus(ctx, queueID, domain.QueueStatusPaused, ChangePaused)
}

// Activate lets a paused queue accept new entries again.
func (s *Service) Activate(ctx context.Context, queueID string) (*domain.Queue, error) {
	return s.setStatus(ctx, queueID, domain.QueueStatusActive, ChangeActivated)
}

func (s *Service) setStatus(ctx context.Context, queueID string, status domain.QueueStatus, kind ChangeKind) (*domain.Queue, error) {
	queue, err := s.repo.SetQueueStatus(ctx, queueID, status)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, queue.ID, kind, s.now())
	return queue, nil
}

// GetQueue returns a queue by id.
func (s *Service) GetQueue(ctx context.Context, queueID string) (*domain.Queue, error) {
	return s.repo.GetQueue(ctx, queueID)
}

// Snapshot returns the queue with its waiting line in join order. Every
// counter line is estimated against its own schedule.
func (s *Service) Snapshot(ctx context.Context, queueID string) (*Snapshot, error) {
	now := s.now()

	queue, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	counters, err := s.repo.ListCounters(ctx, queue.ID)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	waiting, err := s.repo.ListWaiting(ctx, queue.ID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}

	byCounter := make(map[string]*domain.Counter, len(counters))
	for i := range counters {
		byCounter[counters[i].ID] = &counters[i]
	}

	estimates := make(map[string]estimate.Estimate, len(waiting))
	for key, line := range groupByScope(waiting) {
		var counter *domain.Counter
		if key != "" {
			counter = byCounter[key]
		}
		for _, est := range estimate.Line(now, estimate.ScheduleFor(queue, counter), estimate.Slots(line, queue.ServiceDuration)) {
			estimates[est.EntryID] = est
		}
	}

	estimate.SortLine(waiting)
	placements := make([]Placement, 0, len(waiting))
	for _, e := range waiting {
		placements = append(placements, *placementOf(e, estimates[e.ID]))
	}

	return &Snapshot{Queue: queue, Waiting: placements, GeneratedAt: now}, nil
}

// Position returns the live position and estimate of the user's waiting entry.
func (s *Service) Position(ctx context.Context, queueID, userID string) (*Placement, error) {
	now := s.now()

	queue, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	entry, err := s.repo.GetWaitingEntryByUser(ctx, queue.ID, userID)
	if err != nil {
		return nil, err
	}

	var counter *domain.Counter
	if entry.CounterID != nil {
		counter, err = s.repo.GetCounter(ctx, *entry.CounterID)
		if err != nil {
			return nil, fmt.Errorf("get counter: %w", err)
		}
	}

	waiting, err := s.repo.ListWaiting(ctx, queue.ID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	line := scopeLine(waiting, entry.CounterID)
	est, err := estimate.For(now, estimate.ScheduleFor(queue, counter), estimate.Slots(line, queue.ServiceDuration), entry.ID)
	if err != nil {
		// The entry was resolved between the two reads.
		return nil, ErrEntryNotFound
	}
	return placementOf(entry, est), nil
}

func (s *Service) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

// notify hands an event to the notifier. The lifecycle operation has already
// committed, so failures are logged and never returned.
func (s *Service) notify(ctx context.Context, fn func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := fn(notifyCtx); err != nil {
		ctxlog.FromContext(ctx).Error("failed to enqueue notification", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, queueID string, kind ChangeKind, at time.Time) {
	if s.publisher == nil {
		return
	}
	change := QueueChange{QueueID: queueID, Kind: kind, At: at}
	if err := s.publisher.PublishQueueChange(context.WithoutCancel(ctx), change); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to publish queue change", "queue_id", queueID, "error", err)
	}
}

func placementOf(entry *domain.Entry, est estimate.Estimate) *Placement {
	return &Placement{
		Entry:                entry,
		Position:             est.Position,
		EstimatedWaitMinutes: est.WaitMinutes(),
		ExpectedAt:           est.ExpectedAt,
	}
}

// scopeLine returns the ordered waiting line that shares the counter scope.
func scopeLine(waiting []*domain.Entry, counterID *string) []*domain.Entry {
	key := scopeKey(counterID)
	line := make([]*domain.Entry, 0, len(waiting))
	for _, e := range waiting {
		if scopeKey(e.CounterID) == key {
			line = append(line, e)
		}
	}
	estimate.SortLine(line)
	return line
}

func groupByScope(waiting []*domain.Entry) map[string][]*domain.Entry {
	groups := make(map[string][]*domain.Entry)
	for _, e := range waiting {
		key := scopeKey(e.CounterID)
		groups[key] = append(groups[key], e)
	}
	for _, line := range groups {
		estimate.SortLine(line)
	}
	return groups
}

func scopeKey(counterID *string) string {
	if counterID == nil {
		return ""
	}
	return *counterID
}

func changeKindFor(status domain.EntryStatus) ChangeKind {
	switch status {
	case domain.EntryStatusServed:
		return ChangeServed
	case domain.EntryStatusNoShow:
		return ChangeNoShow
	default:
		return ChangeLeft
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
