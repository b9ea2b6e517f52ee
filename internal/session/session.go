package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/cbsctf/notify/internal/config"
	"github.com/cbsctf/notify/internal/domain"
)

// CookieName is the name of the session cookie.
const CookieName = "notify_session"

const keyLength = 64

// Session is the authenticated identity carried by the cookie.
type Session struct {
	Username string `json:"username"`
}

type wrappedSession struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager encodes sessions into a private (signed + encrypted) cookie using
// a key loaded from, or generated into, the configured key file.
type Manager struct {
	codec *securecookie.SecureCookie
	age   time.Duration
}

// NewManager loads the cookie key (generating and persisting one on first
// boot) and prepares the cookie codec.
func NewManager(cfg config.SessionConfig, logger *slog.Logger) (*Manager, error) {
	key, err := loadOrGenerateKey(cfg.CookieKeyPath, logger)
	if err != nil {
		return nil, err
	}

	codec := securecookie.New(key[:keyLength/2], key[keyLength/2:])
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(0)

	return &Manager{codec: codec, age: cfg.CookieAge}, nil
}

// Get extracts and validates the session from the request cookie. Any decode
// failure or an expired payload yields domain.ErrNoSession.
func (m *Manager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, domain.ErrNoSession
	}

	var wrapped wrappedSession
	if err := m.codec.Decode(CookieName, cookie.Value, &wrapped); err != nil {
		return nil, domain.ErrNoSession
	}

	if wrapped.ExpiresAt.Before(time.Now().UTC()) {
		return nil, domain.ErrNoSession
	}

	return &Session{Username: wrapped.Username}, nil
}

// Issue sets a fresh session cookie for the user, valid for the full cookie
// age. Called on register, login, and every authenticated response to renew
// the session.
func (m *Manager) Issue(w http.ResponseWriter, username string) error {
	expiresAt := time.Now().UTC().Add(m.age)

	encoded, err := m.codec.Encode(CookieName, wrappedSession{
		Username:  username,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(m.age.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return nil
}

// Clear drops the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func loadOrGenerateKey(filepath string, logger *slog.Logger) ([]byte, error) {
	data, err := os.ReadFile(filepath)
	switch {
	case err == nil:
		if len(data) == keyLength {
			return data, nil
		}
		logger.Error("invalid cookie key stored in file, will regenerate it",
			"path", filepath,
			"length", len(data),
		)
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("cookie key file not found, will generate cookie key", "path", filepath)
	default:
		return nil, fmt.Errorf("unable to read cookie key file %s: %w", filepath, err)
	}

	key := securecookie.GenerateRandomKey(keyLength)
	if key == nil {
		return nil, errors.New("failed to generate new cookie key")
	}

	if err := os.WriteFile(filepath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save generated cookie key to file %s: %w", filepath, err)
	}

	return key, nil
}
