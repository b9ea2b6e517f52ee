package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cbsctf/notify/internal/domain"
)

var (
	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_dispatch_batches_total",
		Help: "Total number of reserved queue batches handed to workers",
	})
	mailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_mails_sent_total",
		Help: "Total number of mails accepted by the relay",
	})
	mailsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_mails_failed_total",
		Help: "Total number of mails that exhausted retries or hit a fatal error",
	})
)

// Sender is one exclusively-owned mail session. A nil timestamp with a nil
// error means retries were exhausted.
type Sender interface {
	SendMail(from, to, subject, body string) (*time.Time, error)
	Close()
}

// DialFunc opens a fresh mail session for a worker.
type DialFunc func() (Sender, error)

// Dispatcher periodically reserves due queue entries and hands each batch to
// a detached worker that delivers them over a single mail connection.
type Dispatcher struct {
	queue     domain.QueueRepository
	dial      DialFunc
	logger    *slog.Logger
	interval  time.Duration
	fromEmail string
	domain    string

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Dispatcher. Mails are sent from username@domain to
// <owner>@domain.
func New(
	queue domain.QueueRepository,
	dial DialFunc,
	logger *slog.Logger,
	interval time.Duration,
	username, mailDomain string,
) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		dial:      dial,
		logger:    logger,
		interval:  interval,
		fromEmail: fmt.Sprintf("%s@%s", username, mailDomain),
		domain:    mailDomain,
	}
}

// Start resets the queue exactly once, recovering rows orphaned inprogress by
// a previous crash, and then launches the tick loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	if err := d.queue.Reset(ctx); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("resetting current notification queue: %w", err)
	}

	d.logger.Info("dispatcher started", "interval", d.interval)

	go d.run(ctx)
	return nil
}

// Stop breaks the tick loop and waits for in-flight workers to finish. The
// run goroutine is waited for first: a tick in flight at this point may still
// spawn one more worker, which must be counted before wg.Wait.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	close(d.stopChan)
	d.running = false
	d.mu.Unlock()

	<-d.done
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher shutting down due to cancellation")
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick reserves one batch and, if non-empty, hands it to a detached worker.
// Workers may run concurrently with subsequent ticks.
func (d *Dispatcher) tick(ctx context.Context) {
	batch, err := d.queue.ReserveBatch(ctx)
	if err != nil {
		d.logger.Error("unexpected error occurred during dispatcher iteration", "error", err)
		return
	}

	if len(batch) == 0 {
		return
	}

	d.logger.Info("dispatcher processing batch", "size", len(batch))
	batchesProcessed.Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Workers are awaited, not aborted: outcomes must be persisted even
		// while the process is shutting down.
		d.processBatch(context.WithoutCancel(ctx), batch)
	}()
}

func (d *Dispatcher) processBatch(ctx context.Context, batch []domain.QueueElement) {
	orderBatch(batch)

	sender, err := d.dial()
	if err != nil {
		d.logger.Error("failed to open mail connection for batch", "error", err)
		for _, elem := range batch {
			d.saveResult(ctx, elem, nil)
		}
		return
	}
	defer sender.Close()

	for _, elem := range batch {
		to := fmt.Sprintf("%s@%s", elem.Username, d.domain)

		sentAt, err := sender.SendMail(d.fromEmail, to, elem.Title, elem.Content)
		if err != nil {
			d.logger.Error("encountered fatal error while sending mail", "error", err)
			sentAt = nil
		}

		result := "failed"
		if sentAt != nil {
			result = sentAt.Format(time.RFC3339Nano)
		}
		d.logger.Info("dispatcher processed notification",
			"notification_id", elem.NotificationID,
			"result", result,
		)

		d.saveResult(ctx, elem, sentAt)
	}
}

func (d *Dispatcher) saveResult(ctx context.Context, elem domain.QueueElement, sentAt *time.Time) {
	if sentAt != nil {
		mailsSent.Inc()
	} else {
		mailsFailed.Inc()
	}

	if err := d.queue.SaveResult(ctx, elem.NotificationID, elem.PlannedAt, sentAt); err != nil {
		d.logger.Error("failed to save notification processing result",
			"error", err,
			"notification_id", elem.NotificationID,
		)
	}
}

// orderBatch sorts by (planned_at, notification_id) so earlier-planned rows
// go first, then shuffles each block of equal planned_at uniformly at random
// to avoid ordering bias between simultaneous events.
func orderBatch(batch []domain.QueueElement) {
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].PlannedAt.Equal(batch[j].PlannedAt) {
			return batch[i].PlannedAt.Before(batch[j].PlannedAt)
		}
		return bytes.Compare(batch[i].NotificationID[:], batch[j].NotificationID[:]) < 0
	})

	blockStart := 0
	for i := 1; i <= len(batch); i++ {
		if i == len(batch) || !batch[i].PlannedAt.Equal(batch[blockStart].PlannedAt) {
			shuffleBlock(batch[blockStart:i])
			blockStart = i
		}
	}
}

func shuffleBlock(block []domain.QueueElement) {
	rand.Shuffle(len(block), func(i, j int) {
		block[i], block[j] = block[j], block[i]
	})
}
