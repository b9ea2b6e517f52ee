package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/cbsctf/notify/internal/auth"
	"github.com/cbsctf/notify/internal/domain"
	"github.com/cbsctf/notify/internal/session"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]+[a-z0-9]$`)

const (
	usernameFormatMessage = "We currently allow usernames consisting only of lowercase english letters, numbers, and dashes/underscores in between the rest! Sorry!"
	usernameShortMessage  = "Your username is too short! Please make it at least 5 characters long."
	usernameLongMessage   = "Your username is too long! Please shorten it to 15 characters or less."
	passwordShortMessage  = "Please lengthen your password to at least 8 characters, it is dangerously short right now!"
	passwordLongMessage   = "Your password is very long, please shorten it to 30 characters or less."
	usernameTakenMessage  = "Sorry, but someone has beaten you to the punch and taken your username! You should choose another one."
	invalidCredsMessage   = "Invalid credentials supplied, please validate the username and password."
	unauthorizedMessage   = "Please reauthenticate using the login functionality or create a new account in order to proceed."
)

type sessionContextKey struct{}

// SessionFromContext returns the session injected by RequireAuth.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return s, ok
}

// AuthHandler handles registration, login, and logout.
type AuthHandler struct {
	accounts domain.AccountRepository
	sessions *session.Manager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(accounts domain.AccountRepository, sessions *session.Manager, logger *slog.Logger) *AuthHandler {
	validate := validator.New()
	validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRe.MatchString(fl.Field().String())
	})

	return &AuthHandler{
		accounts: accounts,
		sessions: sessions,
		validate: validate,
		logger:   logger,
	}
}

// RequireAuth rejects requests without a valid session, injects the session
// into the request context, and renews the cookie on every authenticated
// response.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Get(r)
		if err != nil {
			JSONError(w, http.StatusUnauthorized, unauthorizedMessage)
			return
		}

		if err := h.sessions.Issue(w, s.Username); err != nil {
			HandleInternalError(w, h.logger, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Username string `json:"username" validate:"required,username,min=5,max=15"`
	Password string `json:"password" validate:"required,min=8,max=30"`
}

// Register handles POST /register: creates the account, issues a session
// cookie, and responds 201. A taken username yields 409.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := DecodeJSON(r, &req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, registrationMessage(err))
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	created, err := h.accounts.Create(r.Context(), req.Username, passwordHash)
	if err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	if !created {
		JSONError(w, http.StatusConflict, usernameTakenMessage)
		return
	}

	if err := h.sessions.Issue(w, req.Username); err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	h.logger.Info("account registered", "username", req.Username)

	w.WriteHeader(http.StatusCreated)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /login. Unknown usernames burn a dummy hash comparison
// so that response timing does not reveal whether an account exists.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := DecodeJSON(r, &req); err != nil {
		JSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	hash, err := h.accounts.GetPasswordHash(r.Context(), req.Username)

	var verified bool
	switch {
	case err == nil:
		verified = auth.VerifyPassword(hash, req.Password)
	case errors.Is(err, domain.ErrNotFound):
		verified = auth.VerifyDummy(req.Password)
	default:
		HandleInternalError(w, h.logger, err)
		return
	}

	if !verified {
		JSONError(w, http.StatusUnauthorized, invalidCredsMessage)
		return
	}

	if err := h.sessions.Issue(w, req.Username); err != nil {
		HandleInternalError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Logout handles POST /logout by dropping the session cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// registrationMessage maps the first failed validation to the user-visible
// message for that field and rule.
func registrationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "Invalid registration request."
	}

	fe := fieldErrors[0]
	switch fe.Field() {
	case "Username":
		switch fe.Tag() {
		case "min":
			return usernameShortMessage
		case "max":
			return usernameLongMessage
		default:
			return usernameFormatMessage
		}
	case "Password":
		switch fe.Tag() {
		case "max":
			return passwordLongMessage
		default:
			return passwordShortMessage
		}
	}

	return "Invalid registration request."
}
