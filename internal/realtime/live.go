package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/queueline/internal/pkg/ctxlog"
	"github.com/bissquit/queueline/internal/pkg/httputil"
	"github.com/bissquit/queueline/internal/pkg/metrics"
	"github.com/bissquit/queueline/internal/queues"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

var errorMappings = []httputil.ErrorMapping{
	{Error: queues.ErrQueueNotFound, Status: http.StatusNotFound, Message: "queue not found", Code: "not_found"},
}

// SnapshotSource produces the current view of a queue.
type SnapshotSource interface {
	Snapshot(ctx context.Context, queueID string) (*queues.Snapshot, error)
}

// LiveMessage is one frame of the live stream.
type LiveMessage struct {
	Kind     queues.ChangeKind `json:"kind,omitempty"`
	Snapshot *queues.Snapshot  `json:"snapshot"`
}

// Handler streams queue snapshots over websocket.
type Handler struct {
	source   SnapshotSource
	bus      Bus
	upgrader websocket.Upgrader
}

// NewHandler creates a live stream handler. allowedOrigins follows the CORS
// setting; "*" accepts any origin.
func NewHandler(source SnapshotSource, bus Bus, allowedOrigins []string) *Handler {
	return &Handler{
		source: source,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes registers the live stream route (no auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/queues/{queueID}/live", h.Live)
}

// Live handles GET /queues/{queueID}/live. The first frame is the current
// snapshot; a fresh snapshot follows every change of the queue.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")
	if err := uuid.Validate(queueID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid queue id")
		return
	}

	snapshot, err := h.source.Snapshot(r.Context(), queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	// Subscribe before upgrading so no change between the first snapshot and
	// the subscription is lost.
	ctx, stop := context.WithCancel(context.WithoutCancel(r.Context()))
	defer stop()
	changes, cancel, err := h.bus.Subscribe(ctx, queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		ctxlog.FromContext(r.Context()).Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.LiveSubscribers.Inc()
	defer metrics.LiveSubscribers.Dec()

	go h.readPump(conn, stop)
	h.writePump(ctx, conn, queueID, snapshot, changes)
}

// readPump discards client frames and stops the stream on disconnect.
func (h *Handler) readPump(conn *websocket.Conn, stop context.CancelFunc) {
	defer stop()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, queueID string, first *queues.Snapshot, changes <-chan queues.QueueChange) {
	logger := ctxlog.FromContext(ctx).With("queue_id", queueID)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := writeJSON(conn, LiveMessage{Snapshot: first}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			snapshot, err := h.source.Snapshot(ctx, queueID)
			if err != nil {
				logger.Warn("failed to build live snapshot", "error", err)
				continue
			}
			if err := writeJSON(conn, LiveMessage{Kind: change.Kind, Snapshot: snapshot}); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg LiveMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
