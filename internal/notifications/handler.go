package notifications

import (
	"encoding/json"
	"net/http"

	"github.com/bissquit/queueline/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "user not found", Code: "not_found"},
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers preference routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/preferences", h.GetPreferences)
	r.Put("/preferences", h.UpdatePreferences)
}

// RegisterPublicRoutes registers routes that need no authentication.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/notifications/config", h.GetNotificationsConfig)
}

// UpdatePreferencesRequest represents request body for updating preferences.
// At least one switch must be present.
type UpdatePreferencesRequest struct {
	EmailEnabled *bool `json:"email_enabled" validate:"required_without_all=SMSEnabled ChatEnabled"`
	SMSEnabled   *bool `json:"sms_enabled"`
	ChatEnabled  *bool `json:"chat_enabled"`
}

// SuccessResponse is returned by operations without a resource body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// NotificationsConfigResponse lists deliverable channels.
type NotificationsConfigResponse struct {
	AvailableChannels []string `json:"available_channels"`
}

// GetPreferences handles GET /preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	pref, err := h.service.GetPreferences(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, pref)
}

// UpdatePreferences handles PUT /preferences.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	_, err := h.service.UpdatePreferences(r.Context(), userID, UpdatePreferencesInput{
		EmailEnabled: req.EmailEnabled,
		SMSEnabled:   req.SMSEnabled,
		ChatEnabled:  req.ChatEnabled,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, SuccessResponse{Success: true})
}

// GetNotificationsConfig handles GET /notifications/config.
func (h *Handler) GetNotificationsConfig(w http.ResponseWriter, _ *http.Request) {
	channels := h.service.AvailableChannels()
	resp := NotificationsConfigResponse{AvailableChannels: make([]string, len(channels))}
	for i, ch := range channels {
		resp.AvailableChannels[i] = string(ch)
	}
	httputil.Success(w, http.StatusOK, resp)
}
