// Package queues provides HTTP handlers and business logic for queue lifecycle management.
package queues

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/bissquit/queueline/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRCodeSize = 256

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrValidation, Status: http.StatusBadRequest, Code: "validation_error"},
	{Error: ErrQueueNotFound, Status: http.StatusNotFound, Code: "not_found"},
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Code: "not_found"},
	{Error: ErrCounterNotFound, Status: http.StatusNotFound, Code: "not_found"},
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Code: "user_not_found"},
	{Error: ErrQueueFull, Status: http.StatusConflict, Code: "queue_full"},
	{Error: ErrAlreadyWaiting, Status: http.StatusConflict, Code: "already_waiting"},
	{Error: ErrQueuePaused, Status: http.StatusConflict, Code: "queue_paused"},
	{Error: ErrCounterPaused, Status: http.StatusConflict, Code: "counter_paused"},
}

// HandlerConfig holds presentation settings of the queue handler.
type HandlerConfig struct {
	// PublicBaseURL is the origin of the customer-facing app used in QR codes.
	PublicBaseURL string
	QRCodeSize    int
}

// Handler handles HTTP requests for the queues module.
type Handler struct {
	service   *Service
	validator *validator.Validate
	config    HandlerConfig
}

// NewHandler creates a new queues handler.
func NewHandler(service *Service, config HandlerConfig) *Handler {
	if config.QRCodeSize <= 0 {
		config.QRCodeSize = defaultQRCodeSize
	}
	return &Handler{
		service:   service,
		validator: validator.New(),
		config:    config,
	}
}

// RegisterPublicRoutes registers routes that need no authentication.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/queues/{queueID}", h.GetSnapshot)
	r.Get("/queues/{queueID}/qr", h.GetQRCode)
}

// RegisterCustomerRoutes registers routes available to any authenticated user.
func (h *Handler) RegisterCustomerRoutes(r chi.Router) {
	r.Post("/queues/{queueID}/join", h.Join)
	r.Post("/queues/{queueID}/leave", h.Leave)
	r.Get("/queues/{queueID}/position", h.GetPosition)
}

// RegisterStaffRoutes registers routes that require staff role.
func (h *Handler) RegisterStaffRoutes(r chi.Router) {
	r.Post("/queues", h.CreateQueue)
	r.Post("/queues/{queueID}/counters", h.CreateCounter)
	r.Post("/counters/{counterID}/services", h.CreateCounterService)
	r.Post("/queues/{queueID}/entries/{entryID}/serve", h.Serve)
	r.Post("/queues/{queueID}/entries/{entryID}/no-show", h.NoShow)
	r.Post("/queues/{queueID}/known-users", h.AddKnownUser)
	r.Get("/known-users", h.ListKnownUsers)
	r.Post("/queues/{queueID}/delay", h.SetDelay)
	r.Post("/queues/{queueID}/pause", h.Pause)
	r.Post("/queues/{queueID}/activate", h.Activate)
}

// CreateQueueRequest represents the request body for creating a queue.
type CreateQueueRequest struct {
	Name           string `json:"name" validate:"required,min=1,max=255"`
	Capacity       int    `json:"capacity" validate:"required,min=1"`
	ServiceMinutes int    `json:"service_minutes" validate:"required,min=1"`
	ServiceStart   string `json:"service_start" validate:"omitempty,datetime=15:04"`
	TimeZone       string `json:"time_zone" validate:"omitempty,timezone"`
}

// CreateCounterRequest represents the request body for creating a counter.
type CreateCounterRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=255"`
	ServiceStart string `json:"service_start" validate:"omitempty,datetime=15:04"`
}

// CreateCounterServiceRequest represents the request body for creating a sub-service.
type CreateCounterServiceRequest struct {
	Name             string `json:"name" validate:"required,min=1,max=255"`
	EstimatedMinutes int    `json:"estimated_minutes" validate:"required,min=1"`
}

// JoinRequest represents the optional request body for joining a queue.
type JoinRequest struct {
	CounterID  *string  `json:"counter_id" validate:"omitempty,uuid"`
	ServiceIDs []string `json:"service_ids" validate:"omitempty,dive,uuid"`
}

// AddKnownUserRequest represents the request body for adding a known user.
type AddKnownUserRequest struct {
	ShortID string `json:"short_id" validate:"required,min=1,max=32"`
}

// SetDelayRequest represents the request body for delaying a queue.
type SetDelayRequest struct {
	DelayUntil time.Time `json:"delay_until" validate:"required"`
}

// SuccessResponse is returned by operations without a richer result.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// CreateQueue handles POST /queues.
func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	start, err := parseStart(req.ServiceStart)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	queue, err := h.service.CreateQueue(r.Context(), CreateQueueInput{
		Name:            req.Name,
		Capacity:        req.Capacity,
		ServiceDuration: time.Duration(req.ServiceMinutes) * time.Minute,
		ServiceStart:    start,
		TimeZone:        req.TimeZone,
	}, httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, queue)
}

// CreateCounter handles POST /queues/{queueID}/counters.
func (h *Handler) CreateCounter(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	var req CreateCounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	start, err := parseStart(req.ServiceStart)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	counter, err := h.service.CreateCounter(r.Context(), CreateCounterInput{
		QueueID:      queueID,
		Name:         req.Name,
		ServiceStart: start,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, counter)
}

// CreateCounterService handles POST /counters/{counterID}/services.
func (h *Handler) CreateCounterService(w http.ResponseWriter, r *http.Request) {
	counterID, ok := pathID(w, r, "counterID")
	if !ok {
		return
	}

	var req CreateCounterServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	svc, err := h.service.CreateCounterService(r.Context(), CreateCounterServiceInput{
		CounterID:         counterID,
		Name:              req.Name,
		EstimatedDuration: time.Duration(req.EstimatedMinutes) * time.Minute,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, svc)
}

// Join handles POST /queues/{queueID}/join.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	var req JoinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	placement, err := h.service.Join(r.Context(), JoinInput{
		QueueID:    queueID,
		UserID:     httputil.GetUserID(r.Context()),
		CounterID:  req.CounterID,
		ServiceIDs: req.ServiceIDs,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, placement)
}

// Leave handles POST /queues/{queueID}/leave.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	userID := httputil.GetUserID(r.Context())
	if err := h.service.Leave(r.Context(), queueID, userID, userID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, SuccessResponse{Success: true})
}

// GetPosition handles GET /queues/{queueID}/position.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	placement, err := h.service.Position(r.Context(), queueID, httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, placement)
}

// Serve handles POST /queues/{queueID}/entries/{entryID}/serve.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, "entryID")
	if !ok {
		return
	}

	snapshot, err := h.service.Serve(r.Context(), queueID, entryID, httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}

// NoShow handles POST /queues/{queueID}/entries/{entryID}/no-show.
func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, "entryID")
	if !ok {
		return
	}

	if err := h.service.NoShow(r.Context(), queueID, entryID, httputil.GetUserID(r.Context())); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, SuccessResponse{Success: true})
}

// AddKnownUser handles POST /queues/{queueID}/known-users.
func (h *Handler) AddKnownUser(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	var req AddKnownUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	placement, err := h.service.AddKnownUser(r.Context(), queueID, strings.TrimSpace(req.ShortID), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, placement)
}

// ListKnownUsers handles GET /known-users.
func (h *Handler) ListKnownUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListKnownUsers(r.Context(), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, users)
}

// SetDelay handles POST /queues/{queueID}/delay.
func (h *Handler) SetDelay(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	var req SetDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	snapshot, err := h.service.SetDelay(r.Context(), queueID, req.DelayUntil)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}

// Pause handles POST /queues/{queueID}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	queue, err := h.service.Pause(r.Context(), queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, queue)
}

// Activate handles POST /queues/{queueID}/activate.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	queue, err := h.service.Activate(r.Context(), queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, queue)
}

// GetSnapshot handles GET /queues/{queueID}.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	snapshot, err := h.service.Snapshot(r.Context(), queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, snapshot)
}

// GetQRCode handles GET /queues/{queueID}/qr and renders the quick-join link as PNG.
func (h *Handler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	queueID, ok := pathID(w, r, "queueID")
	if !ok {
		return
	}

	queue, err := h.service.GetQueue(r.Context(), queueID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	png, err := qrcode.Encode(h.JoinURL(queue.ID), qrcode.Medium, h.config.QRCodeSize)
	if err != nil {
		httputil.HandleError(r.Context(), w, fmt.Errorf("encode qr code: %w", err), errorMappings)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// JoinURL returns the customer-facing quick-join link of a queue.
func (h *Handler) JoinURL(queueID string) string {
	return strings.TrimRight(h.config.PublicBaseURL, "/") + "/queues/" + queueID + "/join"
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if err := uuid.Validate(id); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return id, true
}

func parseStart(s string) (*domain.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := domain.ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
