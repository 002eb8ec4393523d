package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/queueline/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
	Code    string // stable machine-readable kind, optional
}

// HandleError writes the response of the first mapping matching err.
// Unmatched errors become 500 and are logged; a request whose deadline
// expired (the router timeout) gets 503 instead.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			ErrorWithCode(w, m.Status, m.Code, msg)
			return
		}
	}

	logger := ctxlog.FromContext(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out", "error", err)
		ErrorWithCode(w, http.StatusServiceUnavailable, "timeout", "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		logger.Debug("request canceled", "error", err)
	default:
		logger.Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
