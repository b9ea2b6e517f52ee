package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cbsctf/notify/internal/auth"
	"github.com/cbsctf/notify/internal/config"
	"github.com/cbsctf/notify/internal/domain"
	"github.com/cbsctf/notify/internal/session"
)

// MockAccountRepository is a mock implementation of domain.AccountRepository
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) Create(ctx context.Context, username, passwordHash string) (bool, error) {
	args := m.Called(ctx, username, passwordHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccountRepository) GetPasswordHash(ctx context.Context, username string) (string, error) {
	args := m.Called(ctx, username)
	return args.String(0), args.Error(1)
}

func (m *MockAccountRepository) ListOldUsernames(ctx context.Context, maxAge time.Duration) ([]string, error) {
	args := m.Called(ctx, maxAge)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockAccountRepository) DeleteByUsername(ctx context.Context, username string) error {
	args := m.Called(ctx, username)
	return args.Error(0)
}

// MockNotificationRepository is a mock implementation of domain.NotificationRepository
type MockNotificationRepository struct {
	mock.Mock
}

func (m *MockNotificationRepository) Create(ctx context.Context, username string, draft domain.NotificationDraft) (uuid.UUID, error) {
	args := m.Called(ctx, username, draft)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockNotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Notification), args.Error(1)
}

func (m *MockNotificationRepository) ListByUsername(ctx context.Context, username string) ([]*domain.Notification, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Notification), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testSessions(t *testing.T) *session.Manager {
	t.Helper()

	m, err := session.NewManager(config.SessionConfig{
		CookieKeyPath: filepath.Join(t.TempDir(), "cookie.key"),
		CookieAge:     30 * time.Minute,
	}, testLogger())
	require.NoError(t, err)

	return m
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	r := httptest.NewRequest(method, target, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		wantStatus  int
		wantMessage string
	}{
		{"username too short", "abcd", "password123", http.StatusUnprocessableEntity, usernameShortMessage},
		{"username minimum length", "alice", "password123", http.StatusCreated, ""},
		{"username maximum length", strings.Repeat("a", 15), "password123", http.StatusCreated, ""},
		{"username too long", strings.Repeat("a", 16), "password123", http.StatusUnprocessableEntity, usernameLongMessage},
		{"username with uppercase", "Alice1", "password123", http.StatusUnprocessableEntity, usernameFormatMessage},
		{"username with inner dash", "al-ce1", "password123", http.StatusCreated, ""},
		{"username with leading dash", "-alice", "password123", http.StatusUnprocessableEntity, usernameFormatMessage},
		{"username with trailing underscore", "alice_", "password123", http.StatusUnprocessableEntity, usernameFormatMessage},
		{"password too short", "alice1", "passwor", http.StatusUnprocessableEntity, passwordShortMessage},
		{"password minimum length", "alice1", "password", http.StatusCreated, ""},
		{"password maximum length", "alice1", strings.Repeat("p", 30), http.StatusCreated, ""},
		{"password too long", "alice1", strings.Repeat("p", 31), http.StatusUnprocessableEntity, passwordLongMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := new(MockAccountRepository)
			accounts.On("Create", mock.Anything, tt.username, mock.Anything).Return(true, nil).Maybe()

			h := NewAuthHandler(accounts, testSessions(t), testLogger())

			w := httptest.NewRecorder()
			h.Register(w, jsonRequest(t, http.MethodPost, "/register", map[string]string{
				"username": tt.username,
				"password": tt.password,
			}))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, errorMessage(t, w))
			}
		})
	}
}

func TestRegister_IssuesSessionCookie(t *testing.T) {
	accounts := new(MockAccountRepository)
	accounts.On("Create", mock.Anything, "alice1", mock.Anything).Return(true, nil)

	sessions := testSessions(t)
	h := NewAuthHandler(accounts, sessions, testLogger())

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(t, http.MethodPost, "/register", map[string]string{
		"username": "alice1",
		"password": "password123",
	}))

	require.Equal(t, http.StatusCreated, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)

	r := httptest.NewRequest(http.MethodGet, "/user", nil)
	r.AddCookie(cookies[0])
	s, err := sessions.Get(r)
	require.NoError(t, err)
	assert.Equal(t, "alice1", s.Username)
}

func TestRegister_UsernameTaken(t *testing.T) {
	accounts := new(MockAccountRepository)
	accounts.On("Create", mock.Anything, "alice1", mock.Anything).Return(false, nil)

	h := NewAuthHandler(accounts, testSessions(t), testLogger())

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(t, http.MethodPost, "/register", map[string]string{
		"username": "alice1",
		"password": "password123",
	}))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, usernameTakenMessage, errorMessage(t, w))
	assert.Empty(t, w.Result().Cookies())
}

func TestRegister_StoresHashNotPassword(t *testing.T) {
	accounts := new(MockAccountRepository)
	accounts.On("Create", mock.Anything, "alice1", mock.MatchedBy(func(hash string) bool {
		return hash != "password123" && auth.VerifyPassword(hash, "password123")
	})).Return(true, nil)

	h := NewAuthHandler(accounts, testSessions(t), testLogger())

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(t, http.MethodPost, "/register", map[string]string{
		"username": "alice1",
		"password": "password123",
	}))

	assert.Equal(t, http.StatusCreated, w.Code)
	accounts.AssertExpectations(t)
}

func TestRegister_MalformedBody(t *testing.T) {
	h := NewAuthHandler(new(MockAccountRepository), testSessions(t), testLogger())

	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.Register(w, r)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLogin(t *testing.T) {
	hash, err := auth.HashPassword("password123")
	require.NoError(t, err)

	tests := []struct {
		name       string
		username   string
		password   string
		storedHash string
		storedErr  error
		wantStatus int
	}{
		{"valid credentials", "alice1", "password123", hash, nil, http.StatusOK},
		{"wrong password", "alice1", "nope-nope-nope", hash, nil, http.StatusUnauthorized},
		{"unknown username", "ghost1", "password123", "", domain.ErrNotFound, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := new(MockAccountRepository)
			accounts.On("GetPasswordHash", mock.Anything, tt.username).Return(tt.storedHash, tt.storedErr)

			h := NewAuthHandler(accounts, testSessions(t), testLogger())

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(t, http.MethodPost, "/login", map[string]string{
				"username": tt.username,
				"password": tt.password,
			}))

			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				assert.NotEmpty(t, w.Result().Cookies())
			} else {
				assert.Equal(t, invalidCredsMessage, errorMessage(t, w))
				assert.Empty(t, w.Result().Cookies())
			}
		})
	}
}

func TestLogout_ClearsCookie(t *testing.T) {
	h := NewAuthHandler(new(MockAccountRepository), testSessions(t), testLogger())

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/logout", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestRequireAuth_RejectsMissingSession(t *testing.T) {
	h := NewAuthHandler(new(MockAccountRepository), testSessions(t), testLogger())

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not be called")
	})

	w := httptest.NewRecorder()
	h.RequireAuth(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/user", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, unauthorizedMessage, errorMessage(t, w))
}

func TestRequireAuth_InjectsSessionAndRenewsCookie(t *testing.T) {
	sessions := testSessions(t)
	h := NewAuthHandler(new(MockAccountRepository), sessions, testLogger())

	issued := httptest.NewRecorder()
	require.NoError(t, sessions.Issue(issued, "alice1"))

	r := httptest.NewRequest(http.MethodGet, "/user", nil)
	r.AddCookie(issued.Result().Cookies()[0])

	var seen *session.Session
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	h.RequireAuth(next).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice1", seen.Username)

	renewed := w.Result().Cookies()
	require.Len(t, renewed, 1)
	assert.Equal(t, session.CookieName, renewed[0].Name)
}
