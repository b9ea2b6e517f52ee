package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueState represents the lifecycle state of a single planned send.
// Transitions are monotone: planned -> inprogress -> {sent, failed}.
// inprogress -> planned happens only during startup recovery.
type QueueState string

const (
	StatePlanned    QueueState = "planned"
	StateInProgress QueueState = "inprogress"
	StateSent       QueueState = "sent"
	StateFailed     QueueState = "failed"
)

func (s QueueState) IsValid() bool {
	switch s {
	case StatePlanned, StateInProgress, StateSent, StateFailed:
		return true
	}
	return false
}

// PlanEntry is one scheduled send instant of a notification.
// SentAt is non-nil iff State == StateSent.
type PlanEntry struct {
	PlannedAt time.Time  `json:"planned_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	State     QueueState `json:"-"`
}

// Notification is immutable after creation; only the state/sent_at of its
// plan entries change, and only through the dispatcher.
type Notification struct {
	ID       uuid.UUID   `json:"id"`
	Username string      `json:"-"`
	Title    string      `json:"title"`
	Content  string      `json:"content"`
	Plan     []PlanEntry `json:"plan"`
}

// Repetitions describes optional additional sends after the first instant.
// Interval is carried as an integer number of seconds on the wire.
type Repetitions struct {
	Count    int   `json:"count"`
	Interval int64 `json:"interval"`
}

func (r Repetitions) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// NotificationDraft is the validated input for creating a notification.
type NotificationDraft struct {
	Title       string
	Content     string
	NotifyAt    time.Time
	Repetitions *Repetitions
}

// ExpandPlan derives the full ordered set of send instants for a draft:
// notify_at + i*interval for i in 0..count when repetitions are present,
// otherwise just notify_at.
func ExpandPlan(notifyAt time.Time, repetitions *Repetitions) []time.Time {
	if repetitions == nil {
		return []time.Time{notifyAt}
	}

	plan := make([]time.Time, 0, repetitions.Count+1)
	for i := 0; i <= repetitions.Count; i++ {
		plan = append(plan, notifyAt.Add(time.Duration(i)*repetitions.IntervalDuration()))
	}
	return plan
}

// QueueElement is one reserved row handed to a dispatch worker.
type QueueElement struct {
	NotificationID uuid.UUID
	Username       string
	Title          string
	Content        string
	PlannedAt      time.Time
}

// NotificationRepository persists notifications together with their plans.
type NotificationRepository interface {
	// Create inserts the notification and its expanded plan in one transaction
	// and returns the generated identifier.
	Create(ctx context.Context, username string, draft NotificationDraft) (uuid.UUID, error)

	// GetByID returns the notification with its plan sorted by planned_at
	// ascending, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)

	// ListByUsername returns every notification owned by the user, plans included.
	ListByUsername(ctx context.Context, username string) ([]*Notification, error)
}

// QueueRepository exposes the durable send queue to the dispatcher.
type QueueRepository interface {
	// ReserveBatch atomically claims up to the batch cap of ripe rows
	// (state=planned, planned_at < now), marking them inprogress. No row is
	// ever handed to two callers.
	ReserveBatch(ctx context.Context) ([]QueueElement, error)

	// Reset moves every inprogress row back to planned. Called exactly once
	// during dispatcher startup to recover rows orphaned by a crash.
	Reset(ctx context.Context) error

	// SaveResult records the outcome for the row keyed by (id, planned_at):
	// a timestamp marks it sent, nil marks it failed. A missing row is an
	// invariant breach and surfaces as an error.
	SaveResult(ctx context.Context, id uuid.UUID, plannedAt time.Time, sentAt *time.Time) error
}

// AccountRepository persists user accounts.
type AccountRepository interface {
	// Create inserts an account and reports whether the username was free.
	// A unique violation is signalled via created=false, not an error.
	Create(ctx context.Context, username, passwordHash string) (bool, error)

	// GetPasswordHash returns the stored hash or ErrNotFound.
	GetPasswordHash(ctx context.Context, username string) (string, error)

	// ListOldUsernames returns accounts created before now()-maxAge.
	ListOldUsernames(ctx context.Context, maxAge time.Duration) ([]string, error)

	// DeleteByUsername removes the account and cascades to its notifications
	// and queue rows. Deleting a missing account is not an error.
	DeleteByUsername(ctx context.Context, username string) error
}
