package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cbsctf/notify/internal/domain"
)

const (
	titleEmptyMessage   = "Please add a title to be used as the subject of your notification"
	titleLongMessage    = "Sorry, but we can't store notifications with such long titles yet! Please shorten it."
	contentEmptyMessage = "Please add the text which will be used as the body of your notification"
	contentLongMessage  = "Sorry, but we can't store notifications with such long texts yet! Please shorten the notification's contents."
	notifyAtPastMessage = "Please use a time in the future as the notification time."
	repCountMinMessage  = "If repetitions are specified, then their count must be set to at least one."
	repCountMaxMessage  = "At the moment we allow repeating notifications only up to 10 additional times, sorry!"
	repIntervalMinMsg   = "Please specify repetitions with at least a second as the interval between them."
	repIntervalMaxMsg   = "Please use a repetition interval of an hour or less."
	notFoundMessage     = "We weren't able to find notification you requested! Please check that the URL is correct."
)

// NotificationHandler handles notification HTTP requests
type NotificationHandler struct {
	notifications domain.NotificationRepository
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(notifications domain.NotificationRepository, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifications: notifications,
		validate:      validator.New(),
		logger:        logger,
	}
}

type repetitionsRequest struct {
	Count    int   `json:"count" validate:"min=1,max=10"`
	Interval int64 `json:"interval" validate:"min=1,max=3600"`
}

type createNotificationRequest struct {
	Title       string              `json:"title" validate:"required,max=100"`
	Content     string              `json:"content" validate:"required,max=1000"`
	NotifyAt    time.Time           `json:"notify_at" validate:"required"`
	Repetitions *repetitionsRequest `json:"repetitions,omitempty"`
}

type createNotificationResponse struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

// Create handles POST /notifications: validates the request and persists the
// notification together with its expanded plan in one transaction.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		JSONError(w, http.StatusUnauthorized, unauthorizedMessage)
		return
	}

	var req createNotificationRequest
	if err := DecodeJSON(r, &req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, creationMessage(err))
		return
	}

	if !req.NotifyAt.After(time.Now()) {
		JSONError(w, http.StatusUnprocessableEntity, notifyAtPastMessage)
		return
	}

	draft := domain.NotificationDraft{
		Title:    req.Title,
		Content:  req.Content,
		NotifyAt: req.NotifyAt.UTC(),
	}
	if req.Repetitions != nil {
		draft.Repetitions = &domain.Repetitions{
			Count:    req.Repetitions.Count,
			Interval: req.Repetitions.Interval,
		}
	}

	id, err := h.notifications.Create(r.Context(), s.Username, draft)
	if err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	h.logger.Info("notification created",
		"notification_id", id,
		"username", s.Username,
		"plan_size", len(domain.ExpandPlan(draft.NotifyAt, draft.Repetitions)),
	)

	JSON(w, http.StatusOK, createNotificationResponse{NotificationID: id})
}

type getNotificationResponse struct {
	Title   string             `json:"title"`
	Content string             `json:"content"`
	Plan    []domain.PlanEntry `json:"plan"`
}

// Get handles GET /notification/{id}. The identifier is parsed by hand so
// that a malformed UUID yields the same 404 as a missing notification.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusNotFound, notFoundMessage)
		return
	}

	notification, err := h.notifications.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			JSONError(w, http.StatusNotFound, notFoundMessage)
			return
		}
		HandleInternalError(w, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, getNotificationResponse{
		Title:   notification.Title,
		Content: notification.Content,
		Plan:    notification.Plan,
	})
}

func creationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "Invalid notification request."
	}

	fe := fieldErrors[0]
	switch fe.Field() {
	case "Title":
		if fe.Tag() == "max" {
			return titleLongMessage
		}
		return titleEmptyMessage
	case "Content":
		if fe.Tag() == "max" {
			return contentLongMessage
		}
		return contentEmptyMessage
	case "NotifyAt":
		return notifyAtPastMessage
	case "Count":
		if fe.Tag() == "max" {
			return repCountMaxMessage
		}
		return repCountMinMessage
	case "Interval":
		if fe.Tag() == "max" {
			return repIntervalMaxMsg
		}
		return repIntervalMinMsg
	}

	return "Invalid notification request."
}
