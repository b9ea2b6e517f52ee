package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Mail     MailConfig
	Dispatch DispatchConfig
	Cleaner  CleanerConfig
	Session  SessionConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
}

type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

type MailConfig struct {
	ServerAddr string
	ServerName string
	Domain     string
	Username   string
	SecretPath string
	OpTimeout  time.Duration
	Retries    int
}

type DispatchConfig struct {
	TickInterval time.Duration
	BatchSize    int
}

type CleanerConfig struct {
	AdminAddr      string
	TickInterval   time.Duration
	RequestTimeout time.Duration
	MaxAccountAge  time.Duration
}

type SessionConfig struct {
	CookieKeyPath string
	CookieAge     time.Duration
}

// Load creates a new Config from environment variables. A .env file in the
// working directory is merged in first, without overriding the real environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	required := map[string]string{}
	for _, key := range []string{
		"LISTEN_ADDR",
		"DATABASE_URL",
		"COOKIE_KEY_PATH",
		"NOTIFIER_SECRET_PATH",
		"NOTIFIER_SERVER_ADDR",
		"NOTIFIER_ADMIN_ADDR",
	} {
		value := os.Getenv(key)
		if value == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", key)
		}
		required[key] = value
	}

	return &Config{
		App: AppConfig{
			Env:      getEnv("APP_ENV", "production"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			ListenAddr:      required["LISTEN_ADDR"],
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL:            required["DATABASE_URL"],
			MaxConns:       64,
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Mail: MailConfig{
			ServerAddr: required["NOTIFIER_SERVER_ADDR"],
			ServerName: getEnv("MAIL_SERVER_NAME", "notify"),
			Domain:     getEnv("MAIL_DOMAIN", "notify"),
			Username:   getEnv("NOTIFIER_USERNAME", "notifier"),
			SecretPath: required["NOTIFIER_SECRET_PATH"],
			OpTimeout:  300 * time.Millisecond,
			Retries:    5,
		},
		Dispatch: DispatchConfig{
			TickInterval: time.Second,
			BatchSize:    100,
		},
		Cleaner: CleanerConfig{
			AdminAddr:      required["NOTIFIER_ADMIN_ADDR"],
			TickInterval:   60 * time.Second,
			RequestTimeout: 2 * time.Second,
			MaxAccountAge:  getDurationEnv("CLEANER_MAX_ACCOUNT_AGE", 10*time.Minute),
		},
		Session: SessionConfig{
			CookieKeyPath: required["COOKIE_KEY_PATH"],
			CookieAge:     30 * time.Minute,
		},
	}, nil
}

// ReadMailSecret reads the notifier mail account password from the secret file.
func (c MailConfig) ReadMailSecret() (string, error) {
	data, err := os.ReadFile(c.SecretPath)
	if err != nil {
		return "", fmt.Errorf("reading notifier secret from %s: %w", c.SecretPath, err)
	}
	secret := string(data)
	for len(secret) > 0 && (secret[len(secret)-1] == '\n' || secret[len(secret)-1] == '\r') {
		secret = secret[:len(secret)-1]
	}
	if secret == "" {
		return "", fmt.Errorf("notifier secret file %s is empty", c.SecretPath)
	}
	return secret, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
