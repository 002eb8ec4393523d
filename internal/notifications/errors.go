package notifications

import "errors"

// Pipeline errors.
var (
	ErrJobNotFound     = errors.New("dispatch job not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrNoSender        = errors.New("no sender registered for channel")
	ErrMissingAddress  = errors.New("user has no address for channel")
	ErrUnknownTemplate = errors.New("template not found")
)
