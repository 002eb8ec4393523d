package queues

import "errors"

// Lookup errors.
var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrEntryNotFound   = errors.New("waiting entry not found")
	ErrCounterNotFound = errors.New("counter not found")
	ErrUserNotFound    = errors.New("user not found")
)

// Conflict errors.
var (
	ErrQueueFull      = errors.New("queue is full")
	ErrAlreadyWaiting = errors.New("user is already waiting in this queue")
	ErrQueuePaused    = errors.New("queue is paused")
	ErrCounterPaused  = errors.New("counter is paused")
)

// Validation errors. Specific causes wrap ErrValidation.
var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidServices = errors.New("invalid services selected")
	ErrInvalidDelay    = errors.New("delay must be in the future")
)
