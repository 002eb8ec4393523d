package queues

import (
	"context"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/jackc/pgx/v5"
)

// Repository defines the interface for queue storage.
type Repository interface {
	CreateQueue(ctx context.Context, queue *domain.Queue) error
	GetQueue(ctx context.Context, id string) (*domain.Queue, error)
	SetQueueStatus(ctx context.Context, id string, status domain.QueueStatus) (*domain.Queue, error)

	CreateCounter(ctx context.Context, counter *domain.Counter) error
	GetCounter(ctx context.Context, id string) (*domain.Counter, error)
	ListCounters(ctx context.Context, queueID string) ([]domain.Counter, error)
	CreateCounterService(ctx context.Context, service *domain.CounterService) error
	// ListActiveCounterServices returns the active services of counterID among ids.
	ListActiveCounterServices(ctx context.Context, counterID string, ids []string) ([]domain.CounterService, error)

	// ListWaiting returns every waiting entry of the queue ordered by join time.
	ListWaiting(ctx context.Context, queueID string) ([]*domain.Entry, error)
	GetWaitingEntryByUser(ctx context.Context, queueID, userID string) (*domain.Entry, error)

	GetUserByShortID(ctx context.Context, shortID string) (*domain.User, error)
	ListKnownUsers(ctx context.Context, ownerID string) ([]domain.KnownUser, error)

	// Transaction support
	BeginTx(ctx context.Context) (pgx.Tx, error)
	// LockQueueTx reads the queue and holds its row lock until the transaction ends.
	LockQueueTx(ctx context.Context, tx pgx.Tx, id string) (*domain.Queue, error)
	ListWaitingTx(ctx context.Context, tx pgx.Tx, queueID string) ([]*domain.Entry, error)
	GetWaitingEntryTx(ctx context.Context, tx pgx.Tx, queueID, entryID string) (*domain.Entry, error)
	GetWaitingEntryByUserTx(ctx context.Context, tx pgx.Tx, queueID, userID string) (*domain.Entry, error)
	CreateEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.Entry) error
	DeleteEntryTx(ctx context.Context, tx pgx.Tx, entryID string) error
	ArchiveEntryTx(ctx context.Context, tx pgx.Tx, record *domain.ArchiveRecord) error
	// RefreshPositionsTx rewrites the cached position column from join order.
	RefreshPositionsTx(ctx context.Context, tx pgx.Tx, queueID string) error
	// IncrementOccupancyTx adds one to the occupancy unless the queue is at capacity.
	IncrementOccupancyTx(ctx context.Context, tx pgx.Tx, queueID string) error
	DecrementOccupancyTx(ctx context.Context, tx pgx.Tx, queueID string) error
	RecordServeTx(ctx context.Context, tx pgx.Tx, queueID string, servedAt time.Time) error
	SetDelayTx(ctx context.Context, tx pgx.Tx, queueID string, until time.Time) error
	AddKnownUserTx(ctx context.Context, tx pgx.Tx, ownerID string, user domain.KnownUser) error
}
