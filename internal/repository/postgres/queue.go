package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cbsctf/notify/internal/domain"
)

// QueueRepository implements domain.QueueRepository using PostgreSQL
type QueueRepository struct {
	db        *DB
	batchSize int
}

// NewQueueRepository creates a new QueueRepository with the given batch cap.
func NewQueueRepository(db *DB, batchSize int) *QueueRepository {
	return &QueueRepository{db: db, batchSize: batchSize}
}

// ReserveBatch atomically claims up to batchSize ripe rows. The locking
// subquery skips rows locked by concurrent callers, so a row is never
// reserved twice.
func (r *QueueRepository) ReserveBatch(ctx context.Context) ([]domain.QueueElement, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx,
		`WITH due AS (
		     SELECT notification_id, planned_at
		     FROM notification_queue
		     WHERE state = 'planned' AND planned_at < now()
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE notification_queue q
		 SET state = 'inprogress'
		 FROM due
		 JOIN notification n ON n.id = due.notification_id
		 WHERE q.notification_id = due.notification_id AND q.planned_at = due.planned_at
		 RETURNING q.notification_id, n.username, n.title, n.content, q.planned_at`,
		r.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve queue batch: %w", err)
	}
	defer rows.Close()

	batch := make([]domain.QueueElement, 0)
	for rows.Next() {
		var elem domain.QueueElement
		err := rows.Scan(&elem.NotificationID, &elem.Username, &elem.Title, &elem.Content, &elem.PlannedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue element: %w", err)
		}
		batch = append(batch, elem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue batch: %w", err)
	}

	return batch, nil
}

// Reset moves every inprogress row back to planned. Rows left inprogress are
// the residue of a crashed process; bringing them back allows re-delivery.
func (r *QueueRepository) Reset(ctx context.Context) error {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx,
		`UPDATE notification_queue SET state = 'planned' WHERE state = 'inprogress'`,
	)
	if err != nil {
		return fmt.Errorf("failed to reset notification queue: %w", err)
	}

	return nil
}

// SaveResult records the send outcome for the row keyed by (id, planned_at).
// A timestamp marks the row sent, nil marks it failed. The row not existing
// is an invariant breach and is reported as an error.
func (r *QueueRepository) SaveResult(ctx context.Context, id uuid.UUID, plannedAt time.Time, sentAt *time.Time) error {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	var result pgconn.CommandTag
	var err error
	if sentAt != nil {
		result, err = r.db.Pool.Exec(ctx,
			`UPDATE notification_queue SET state = 'sent', sent_at = $3
			 WHERE notification_id = $1 AND planned_at = $2`,
			id, plannedAt, *sentAt,
		)
	} else {
		result, err = r.db.Pool.Exec(ctx,
			`UPDATE notification_queue SET state = 'failed', sent_at = NULL
			 WHERE notification_id = $1 AND planned_at = $2`,
			id, plannedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save result for notification %s: %w", id, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue row (%s, %s) not found while saving result", id, plannedAt)
	}

	return nil
}
