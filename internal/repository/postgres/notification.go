package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cbsctf/notify/internal/domain"
)

// NotificationRepository implements domain.NotificationRepository using PostgreSQL
type NotificationRepository struct {
	db *DB
}

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts the notification row and its expanded plan as queue rows in
// state planned, all in a single transaction. If any step fails, nothing
// persists.
func (r *NotificationRepository) Create(ctx context.Context, username string, draft domain.NotificationDraft) (uuid.UUID, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO notification (username, title, content) VALUES ($1, $2, $3) RETURNING id`,
		username, draft.Title, draft.Content,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert notification: %w", err)
	}

	for _, plannedAt := range domain.ExpandPlan(draft.NotifyAt, draft.Repetitions) {
		_, err := tx.Exec(ctx,
			`INSERT INTO notification_queue (notification_id, planned_at, state) VALUES ($1, $2, 'planned')`,
			id, plannedAt,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert queue row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return id, nil
}

// GetByID retrieves a notification with its plan sorted by planned_at ascending.
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	n := &domain.Notification{ID: id}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT username, title, content FROM notification WHERE id = $1`,
		id,
	).Scan(&n.Username, &n.Title, &n.Content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification %s: %w", id, err)
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT planned_at, sent_at, state
		 FROM notification_queue
		 WHERE notification_id = $1
		 ORDER BY planned_at ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan for notification %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.PlanEntry
		if err := rows.Scan(&entry.PlannedAt, &entry.SentAt, &entry.State); err != nil {
			return nil, fmt.Errorf("failed to scan plan entry: %w", err)
		}
		n.Plan = append(n.Plan, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan entries: %w", err)
	}

	return n, nil
}

// ListByUsername retrieves every notification owned by the user, plans included,
// plan entries sorted by planned_at ascending.
func (r *NotificationRepository) ListByUsername(ctx context.Context, username string) ([]*domain.Notification, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx,
		`SELECT n.id, n.title, n.content, q.planned_at, q.sent_at, q.state
		 FROM notification n
		 JOIN notification_queue q ON q.notification_id = n.id
		 WHERE n.username = $1
		 ORDER BY n.id, q.planned_at ASC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications for %s: %w", username, err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	byID := make(map[uuid.UUID]*domain.Notification)

	for rows.Next() {
		var (
			id             uuid.UUID
			title, content string
			entry          domain.PlanEntry
		)
		if err := rows.Scan(&id, &title, &content, &entry.PlannedAt, &entry.SentAt, &entry.State); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}

		n, ok := byID[id]
		if !ok {
			n = &domain.Notification{ID: id, Username: username, Title: title, Content: content}
			byID[id] = n
			notifications = append(notifications, n)
		}
		n.Plan = append(n.Plan, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}
