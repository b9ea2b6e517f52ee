package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cbsctf/notify/internal/config"
	"github.com/cbsctf/notify/internal/domain"
)

// Cleaner periodically deletes accounts older than the configured age. The
// mailbox is removed first through the relay's admin API, then the account is
// deleted in the repository (cascading to notifications and queue rows).
type Cleaner struct {
	accounts      domain.AccountRepository
	client        *http.Client
	logger        *slog.Logger
	interval      time.Duration
	deleteURL     string
	adminUsername string
	adminPassword string
	maxAccountAge time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a Cleaner authenticating against the admin API with the
// notifier credentials.
func New(
	accounts domain.AccountRepository,
	cfg config.CleanerConfig,
	adminUsername, adminPassword string,
	logger *slog.Logger,
) *Cleaner {
	return &Cleaner{
		accounts:      accounts,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
		logger:        logger,
		interval:      cfg.TickInterval,
		deleteURL:     fmt.Sprintf("%s/admin/account/delete", cfg.AdminAddr),
		adminUsername: adminUsername,
		adminPassword: adminPassword,
		maxAccountAge: cfg.MaxAccountAge,
	}
}

// Start launches the cleaning loop.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("cleaner started", "interval", c.interval, "max_account_age", c.maxAccountAge)

	go c.run(ctx)
}

// Stop breaks the loop and waits for the current iteration to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stopChan)
	c.running = false
	c.mu.Unlock()

	<-c.done
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleaner shutting down due to cancellation")
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.iteration(ctx); err != nil {
				c.logger.Error("unexpected error occurred during cleaner iteration", "error", err)
			}
		}
	}
}

func (c *Cleaner) iteration(ctx context.Context) error {
	usernames, err := c.accounts.ListOldUsernames(ctx, c.maxAccountAge)
	if err != nil {
		return fmt.Errorf("retrieving batch of old accounts: %w", err)
	}

	if len(usernames) == 0 {
		return nil
	}

	c.logger.Info("cleaner will delete old accounts", "count", len(usernames))

	for _, username := range usernames {
		if err := c.deleteUser(ctx, username); err != nil {
			c.logger.Error("failed to delete old account",
				"error", err,
				"username", username,
			)
		}
	}

	return nil
}

func (c *Cleaner) deleteUser(ctx context.Context, username string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", c.deleteURL, username), nil)
	if err != nil {
		return fmt.Errorf("preparing delete request: %w", err)
	}
	req.SetBasicAuth(c.adminUsername, c.adminPassword)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending delete request to admin API: %w", err)
	}
	resp.Body.Close()

	// OK if deleted now; NOT_FOUND if deleted earlier but the repository
	// delete failed last time.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete request returned non-ok status code %d", resp.StatusCode)
	}

	if err := c.accounts.DeleteByUsername(ctx, username); err != nil {
		return fmt.Errorf("deleting account in the repository: %w", err)
	}

	return nil
}
