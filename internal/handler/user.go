package handler

import (
	"log/slog"
	"net/http"

	"github.com/cbsctf/notify/internal/domain"
)

// UserHandler serves the authenticated user's profile.
type UserHandler struct {
	notifications domain.NotificationRepository
	logger        *slog.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(notifications domain.NotificationRepository, logger *slog.Logger) *UserHandler {
	return &UserHandler{notifications: notifications, logger: logger}
}

type userResponse struct {
	Username      string                 `json:"username"`
	Notifications []*domain.Notification `json:"notifications"`
}

// Get handles GET /user: the username plus every owned notification with its
// full plan.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := SessionFromContext(r.Context())
	if !ok {
		JSONError(w, http.StatusUnauthorized, unauthorizedMessage)
		return
	}

	notifications, err := h.notifications.ListByUsername(r.Context(), s.Username)
	if err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	JSON(w, http.StatusOK, userResponse{
		Username:      s.Username,
		Notifications: notifications,
	})
}
