package queues

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(f *serviceFixture, userID string, role domain.Role) (http.Handler, *Handler) {
	h := NewHandler(f.service, HandlerConfig{PublicBaseURL: "https://queue.example.com/"})

	r := chi.NewRouter()
	h.RegisterPublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := context.WithValue(req.Context(), httputil.UserIDKey, userID)
				ctx = context.WithValue(ctx, httputil.RoleKey, role)
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		h.RegisterCustomerRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleStaff))
			h.RegisterStaffRoutes(r)
		})
	})
	return r, h
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code, body.Error.Message
}

func TestHandler_Join(t *testing.T) {
	f := newServiceFixture(t)
	q := f.repo.addQueue(domain.Queue{ID: uuid.NewString(), Capacity: 1, ServiceDuration: 5 * time.Minute})
	router, _ := newTestRouter(f, "customer-1", domain.RoleCustomer)

	req := httptest.NewRequest(http.MethodPost, "/queues/"+q.ID+"/join", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		Data Placement `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Data.Position)
	assert.Equal(t, "customer-1", body.Data.Entry.UserID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues/"+q.ID+"/join", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "already_waiting", code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newServiceFixture(t)
	full := f.repo.addQueue(domain.Queue{ID: uuid.NewString(), Capacity: 1, ServiceDuration: time.Minute, CurrentOccupancy: 1})
	router, _ := newTestRouter(f, "customer-1", domain.RoleCustomer)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"queue full", http.MethodPost, "/queues/" + full.ID + "/join", http.StatusConflict, "queue_full"},
		{"unknown queue", http.MethodGet, "/queues/" + uuid.NewString(), http.StatusNotFound, "not_found"},
		{"not waiting", http.MethodGet, "/queues/" + full.ID + "/position", http.StatusNotFound, "not_found"},
		{"malformed id", http.MethodGet, "/queues/not-a-uuid", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			code, _ := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestHandler_StaffRoutesRequireRole(t *testing.T) {
	f := newServiceFixture(t)
	q := f.repo.addQueue(domain.Queue{ID: uuid.NewString(), Capacity: 1, ServiceDuration: time.Minute})
	router, _ := newTestRouter(f, "customer-1", domain.RoleCustomer)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues/"+q.ID+"/pause", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.QueueStatusActive, f.repo.queue(q.ID).Status)
}

func TestHandler_SetDelay(t *testing.T) {
	f := newServiceFixture(t)
	q := f.repo.addQueue(domain.Queue{ID: uuid.NewString(), Capacity: 3, ServiceDuration: time.Minute})
	router, _ := newTestRouter(f, "staff-1", domain.RoleStaff)

	t.Run("past instant", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"delay_until": f.clock.now.Add(-time.Hour)})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues/"+q.ID+"/delay", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		code, _ := decodeError(t, rec)
		assert.Equal(t, "validation_error", code)
	})

	t.Run("future instant", func(t *testing.T) {
		until := f.clock.now.Add(30 * time.Minute)
		body, _ := json.Marshal(map[string]any{"delay_until": until})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues/"+q.ID+"/delay", bytes.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)
		stored := f.repo.queue(q.ID)
		require.NotNil(t, stored.DelayUntil)
		assert.True(t, until.Equal(*stored.DelayUntil))
	})
}

func TestHandler_CreateQueue(t *testing.T) {
	f := newServiceFixture(t)
	router, _ := newTestRouter(f, "staff-1", domain.RoleStaff)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"name":"Barber","capacity":8,"service_minutes":20,"service_start":"09:30","time_zone":"Europe/Berlin"}`, http.StatusCreated},
		{"missing capacity", `{"name":"Barber","service_minutes":20}`, http.StatusBadRequest},
		{"bad start", `{"name":"Barber","capacity":8,"service_minutes":20,"service_start":"25:00"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/queues", bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_QRCode(t *testing.T) {
	f := newServiceFixture(t)
	q := f.repo.addQueue(domain.Queue{ID: uuid.NewString(), Capacity: 3, ServiceDuration: time.Minute})
	router, h := newTestRouter(f, "", "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues/"+q.ID+"/qr", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
	assert.Equal(t, "https://queue.example.com/queues/"+q.ID+"/join", h.JoinURL(q.ID))
}
