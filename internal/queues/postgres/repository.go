// Package postgres provides PostgreSQL implementation of the queues repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/queues"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements queues.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const queueColumns = `
	id, owner_id, name, capacity, service_duration_seconds, service_start_minutes,
	time_zone, delay_until, current_occupancy, total_served, next_serve_at,
	status, created_at, updated_at`

const entryColumns = `id, queue_id, user_id, counter_id, status, position, added_by, joined_at`

// CreateQueue creates a new queue in the database.
func (r *Repository) CreateQueue(ctx context.Context, queue *domain.Queue) error {
	query := `
		INSERT INTO queues (owner_id, name, capacity, service_duration_seconds, service_start_minutes, time_zone, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		nullableString(queue.OwnerID),
		queue.Name,
		queue.Capacity,
		seconds(queue.ServiceDuration),
		minutesOf(queue.ServiceStart),
		queue.TimeZone,
		queue.Status,
	).Scan(&queue.ID, &queue.CreatedAt, &queue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by id.
func (r *Repository) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	return r.getQueue(ctx, r.db, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id)
}

// LockQueueTx retrieves a queue and locks its row for the rest of the transaction.
func (r *Repository) LockQueueTx(ctx context.Context, tx pgx.Tx, id string) (*domain.Queue, error) {
	return r.getQueue(ctx, tx, `SELECT `+queueColumns+` FROM queues WHERE id = $1 FOR UPDATE`, id)
}

func (r *Repository) getQueue(ctx context.Context, q querier, query, id string) (*domain.Queue, error) {
	queue, err := scanQueue(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queues.ErrQueueNotFound
		}
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return queue, nil
}

// SetQueueStatus updates the status of a queue and returns it.
func (r *Repository) SetQueueStatus(ctx context.Context, id string, status domain.QueueStatus) (*domain.Queue, error) {
	query := `
		UPDATE queues SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + queueColumns
	queue, err := scanQueue(r.db.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queues.ErrQueueNotFound
		}
		return nil, fmt.Errorf("set queue status: %w", err)
	}
	return queue, nil
}

// CreateCounter creates a new counter.
func (r *Repository) CreateCounter(ctx context.Context, counter *domain.Counter) error {
	query := `
		INSERT INTO counters (queue_id, name, service_start_minutes, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		counter.QueueID,
		counter.Name,
		minutesOf(counter.ServiceStart),
		counter.Status,
	).Scan(&counter.ID, &counter.CreatedAt)
	if err != nil {
		return fmt.Errorf("create counter: %w", err)
	}
	return nil
}

// GetCounter retrieves a counter by id.
func (r *Repository) GetCounter(ctx context.Context, id string) (*domain.Counter, error) {
	query := `
		SELECT id, queue_id, name, service_start_minutes, status, created_at
		FROM counters
		WHERE id = $1
	`
	counter, err := scanCounter(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queues.ErrCounterNotFound
		}
		return nil, fmt.Errorf("get counter: %w", err)
	}
	return counter, nil
}

// ListCounters returns the counters of a queue.
func (r *Repository) ListCounters(ctx context.Context, queueID string) ([]domain.Counter, error) {
	query := `
		SELECT id, queue_id, name, service_start_minutes, status, created_at
		FROM counters
		WHERE queue_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	counters := make([]domain.Counter, 0)
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters = append(counters, *counter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return counters, nil
}

// CreateCounterService creates a new counter sub-service.
func (r *Repository) CreateCounterService(ctx context.Context, svc *domain.CounterService) error {
	query := `
		INSERT INTO counter_services (counter_id, name, estimated_seconds, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		svc.CounterID,
		svc.Name,
		seconds(svc.EstimatedDuration),
		svc.IsActive,
	).Scan(&svc.ID, &svc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create counter service: %w", err)
	}
	return nil
}

// ListActiveCounterServices returns active services of the counter whose ids are listed.
func (r *Repository) ListActiveCounterServices(ctx context.Context, counterID string, ids []string) ([]domain.CounterService, error) {
	query := `
		SELECT id, counter_id, name, estimated_seconds, is_active, created_at
		FROM counter_services
		WHERE counter_id = $1 AND id = ANY($2::uuid[]) AND is_active
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, counterID, ids)
	if err != nil {
		return nil, fmt.Errorf("list counter services: %w", err)
	}
	defer rows.Close()

	services := make([]domain.CounterService, 0, len(ids))
	for rows.Next() {
		var (
			svc  domain.CounterService
			secs int
		)
		if err := rows.Scan(&svc.ID, &svc.CounterID, &svc.Name, &secs, &svc.IsActive, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan counter service: %w", err)
		}
		svc.EstimatedDuration = time.Duration(secs) * time.Second
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counter services: %w", err)
	}
	return services, nil
}

// ListWaiting returns every waiting entry of the queue in join order.
func (r *Repository) ListWaiting(ctx context.Context, queueID string) ([]*domain.Entry, error) {
	return r.listWaiting(ctx, r.db, queueID)
}

// ListWaitingTx returns every waiting entry of the queue in join order within a transaction.
func (r *Repository) ListWaitingTx(ctx context.Context, tx pgx.Tx, queueID string) ([]*domain.Entry, error) {
	return r.listWaiting(ctx, tx, queueID)
}

func (r *Repository) listWaiting(ctx context.Context, q querier, queueID string) ([]*domain.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE queue_id = $1 AND status = 'waiting'
		ORDER BY joined_at, id
	`
	rows, err := q.Query(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.Entry, 0)
	byID := make(map[string]*domain.Entry)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
		byID[entry.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	if len(entries) == 0 {
		return entries, nil
	}
	if err := r.loadEntryServices(ctx, q, byID); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) loadEntryServices(ctx context.Context, q querier, byID map[string]*domain.Entry) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	query := `
		SELECT entry_id, service_id, name, estimated_seconds
		FROM entry_services
		WHERE entry_id = ANY($1::uuid[])
		ORDER BY entry_id, name
	`
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("list entry services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entryID string
			svc     domain.EntryService
			secs    int
		)
		if err := rows.Scan(&entryID, &svc.ServiceID, &svc.Name, &secs); err != nil {
			return fmt.Errorf("scan entry service: %w", err)
		}
		svc.EstimatedDuration = time.Duration(secs) * time.Second
		if entry, ok := byID[entryID]; ok {
			entry.Services = append(entry.Services, svc)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entry services: %w", err)
	}
	return nil
}

// GetWaitingEntryByUser returns the user's waiting entry in the queue.
func (r *Repository) GetWaitingEntryByUser(ctx context.Context, queueID, userID string) (*domain.Entry, error) {
	return r.getWaitingEntry(ctx, r.db, `queue_id = $1 AND user_id = $2`, queueID, userID)
}

// GetWaitingEntryByUserTx returns the user's waiting entry in the queue within a transaction.
func (r *Repository) GetWaitingEntryByUserTx(ctx context.Context, tx pgx.Tx, queueID, userID string) (*domain.Entry, error) {
	return r.getWaitingEntry(ctx, tx, `queue_id = $1 AND user_id = $2`, queueID, userID)
}

// GetWaitingEntryTx returns a waiting entry of the queue by id within a transaction.
func (r *Repository) GetWaitingEntryTx(ctx context.Context, tx pgx.Tx, queueID, entryID string) (*domain.Entry, error) {
	return r.getWaitingEntry(ctx, tx, `queue_id = $1 AND id = $2`, queueID, entryID)
}

func (r *Repository) getWaitingEntry(ctx context.Context, q querier, where string, args ...any) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE ` + where + ` AND status = 'waiting'`
	entry, err := scanEntry(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queues.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get waiting entry: %w", err)
	}
	if err := r.loadEntryServices(ctx, q, map[string]*domain.Entry{entry.ID: entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateEntryTx inserts a waiting entry with its selected services.
func (r *Repository) CreateEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.Entry) error {
	query := `
		INSERT INTO queue_entries (queue_id, user_id, counter_id, status, added_by, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		entry.QueueID,
		entry.UserID,
		entry.CounterID,
		entry.Status,
		entry.AddedBy,
		entry.JoinedAt,
	).Scan(&entry.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return queues.ErrAlreadyWaiting
			case pgForeignKeyViolation:
				if pgErr.ConstraintName == "queue_entries_user_id_fkey" {
					return queues.ErrUserNotFound
				}
			}
		}
		return fmt.Errorf("create entry: %w", err)
	}

	if len(entry.Services) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, svc := range entry.Services {
		batch.Queue(`
			INSERT INTO entry_services (entry_id, service_id, name, estimated_seconds)
			VALUES ($1, $2, $3, $4)
		`, entry.ID, svc.ServiceID, svc.Name, seconds(svc.EstimatedDuration))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create entry services: %w", err)
	}
	return nil
}

// DeleteEntryTx removes an entry; its services cascade.
func (r *Repository) DeleteEntryTx(ctx context.Context, tx pgx.Tx, entryID string) error {
	result, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queues.ErrEntryNotFound
	}
	return nil
}

// ArchiveEntryTx stores the archive record of a resolved entry.
func (r *Repository) ArchiveEntryTx(ctx context.Context, tx pgx.Tx, record *domain.ArchiveRecord) error {
	query := `
		INSERT INTO queue_archive (
			entry_id, queue_id, user_id, counter_id, resolution, joined_at, left_at,
			estimated_wait_seconds, actual_wait_seconds, left_position, resolved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		record.EntryID,
		record.QueueID,
		record.UserID,
		record.CounterID,
		record.Resolution,
		record.JoinedAt,
		record.LeftAt,
		seconds(record.EstimatedWait),
		seconds(record.ActualWait),
		record.LeftPosition,
		record.ResolvedBy,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("archive entry: %w", err)
	}
	return nil
}

// RefreshPositionsTx rewrites the cached position of every waiting entry of the queue.
func (r *Repository) RefreshPositionsTx(ctx context.Context, tx pgx.Tx, queueID string) error {
	query := `
		UPDATE queue_entries e
		SET position = ranked.rank
		FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY counter_id ORDER BY joined_at, id) AS rank
			FROM queue_entries
			WHERE queue_id = $1 AND status = 'waiting'
		) ranked
		WHERE e.id = ranked.id AND e.position IS DISTINCT FROM ranked.rank
	`
	if _, err := tx.Exec(ctx, query, queueID); err != nil {
		return fmt.Errorf("refresh positions: %w", err)
	}
	return nil
}

// IncrementOccupancyTx adds one to the occupancy unless the queue is full.
func (r *Repository) IncrementOccupancyTx(ctx context.Context, tx pgx.Tx, queueID string) error {
	query := `
		UPDATE queues
		SET current_occupancy = current_occupancy + 1, updated_at = NOW()
		WHERE id = $1 AND current_occupancy < capacity
	`
	result, err := tx.Exec(ctx, query, queueID)
	if err != nil {
		return fmt.Errorf("increment occupancy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queues.ErrQueueFull
	}
	return nil
}

// DecrementOccupancyTx subtracts one from the occupancy without going below zero.
func (r *Repository) DecrementOccupancyTx(ctx context.Context, tx pgx.Tx, queueID string) error {
	query := `
		UPDATE queues
		SET current_occupancy = GREATEST(current_occupancy - 1, 0), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, queueID); err != nil {
		return fmt.Errorf("decrement occupancy: %w", err)
	}
	return nil
}

// RecordServeTx counts a serve and moves the queue clock to servedAt.
func (r *Repository) RecordServeTx(ctx context.Context, tx pgx.Tx, queueID string, servedAt time.Time) error {
	query := `
		UPDATE queues
		SET total_served = total_served + 1, next_serve_at = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, queueID, servedAt); err != nil {
		return fmt.Errorf("record serve: %w", err)
	}
	return nil
}

// SetDelayTx stores the instant until which service of the queue is postponed.
func (r *Repository) SetDelayTx(ctx context.Context, tx pgx.Tx, queueID string, until time.Time) error {
	query := `UPDATE queues SET delay_until = $2, updated_at = NOW() WHERE id = $1`
	result, err := tx.Exec(ctx, query, queueID, until)
	if err != nil {
		return fmt.Errorf("set delay: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queues.ErrQueueNotFound
	}
	return nil
}

// GetUserByShortID retrieves a user by the human-readable short id.
func (r *Repository) GetUserByShortID(ctx context.Context, shortID string) (*domain.User, error) {
	query := `
		SELECT id, short_id, name, COALESCE(email, ''), COALESCE(phone, ''), role, created_at
		FROM users
		WHERE short_id = $1
	`
	var user domain.User
	err := r.db.QueryRow(ctx, query, shortID).Scan(
		&user.ID,
		&user.ShortID,
		&user.Name,
		&user.Email,
		&user.Phone,
		&user.Role,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queues.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by short id: %w", err)
	}
	return &user, nil
}

// AddKnownUserTx upserts a user into a staff member's known-users list.
func (r *Repository) AddKnownUserTx(ctx context.Context, tx pgx.Tx, ownerID string, user domain.KnownUser) error {
	query := `
		INSERT INTO known_users (owner_id, short_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, short_id) DO UPDATE
		SET name = EXCLUDED.name, added_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, ownerID, user.ShortID, user.Name); err != nil {
		return fmt.Errorf("add known user: %w", err)
	}
	return nil
}

// ListKnownUsers returns a staff member's known users, most recent first.
func (r *Repository) ListKnownUsers(ctx context.Context, ownerID string) ([]domain.KnownUser, error) {
	query := `
		SELECT short_id, name, added_at
		FROM known_users
		WHERE owner_id = $1
		ORDER BY added_at DESC, short_id
	`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list known users: %w", err)
	}
	defer rows.Close()

	users := make([]domain.KnownUser, 0)
	for rows.Next() {
		var u domain.KnownUser
		if err := rows.Scan(&u.ShortID, &u.Name, &u.AddedAt); err != nil {
			return nil, fmt.Errorf("scan known user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known users: %w", err)
	}
	return users, nil
}

// BeginTx starts a new database transaction.
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.db.Begin(ctx)
}

func scanQueue(row pgx.Row) (*domain.Queue, error) {
	var (
		q            domain.Queue
		ownerID      *string
		durationSecs int
		startMinutes *int
	)
	err := row.Scan(
		&q.ID,
		&ownerID,
		&q.Name,
		&q.Capacity,
		&durationSecs,
		&startMinutes,
		&q.TimeZone,
		&q.DelayUntil,
		&q.CurrentOccupancy,
		&q.TotalServed,
		&q.NextServeAt,
		&q.Status,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ownerID != nil {
		q.OwnerID = *ownerID
	}
	q.ServiceDuration = time.Duration(durationSecs) * time.Second
	q.ServiceStart = timeOfDay(startMinutes)
	return &q, nil
}

func scanCounter(row pgx.Row) (*domain.Counter, error) {
	var (
		c            domain.Counter
		startMinutes *int
	)
	if err := row.Scan(&c.ID, &c.QueueID, &c.Name, &startMinutes, &c.Status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ServiceStart = timeOfDay(startMinutes)
	return &c, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(
		&e.ID,
		&e.QueueID,
		&e.UserID,
		&e.CounterID,
		&e.Status,
		&e.Position,
		&e.AddedBy,
		&e.JoinedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func timeOfDay(minutes *int) *domain.TimeOfDay {
	if minutes == nil {
		return nil
	}
	t := domain.TimeOfDayFromMinutes(*minutes)
	return &t
}

func minutesOf(t *domain.TimeOfDay) *int {
	if t == nil {
		return nil
	}
	m := t.Minutes()
	return &m
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
