package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cbsctf/notify/internal/domain"
)

const uniqueViolationCode = "23505"

// AccountRepository implements domain.AccountRepository using PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts an account row. A unique violation on the username is
// signalled as created=false; any other database error surfaces as an error.
func (r *AccountRepository) Create(ctx context.Context, username, passwordHash string) (bool, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO account (username, password_hash) VALUES ($1, $2)`,
		username, passwordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return false, nil
		}
		return false, fmt.Errorf("failed to create account: %w", err)
	}

	return true, nil
}

// GetPasswordHash returns the stored password hash or domain.ErrNotFound.
func (r *AccountRepository) GetPasswordHash(ctx context.Context, username string) (string, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	var hash string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT password_hash FROM account WHERE username = $1`,
		username,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to get account %s: %w", username, err)
	}

	return hash, nil
}

// ListOldUsernames returns usernames of accounts created before now()-maxAge.
// The cutoff is computed client-side and bound as a plain timestamp; an
// untyped duration parameter inside `now() - $1` would not resolve to an
// interval on the server.
func (r *AccountRepository) ListOldUsernames(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx,
		`SELECT username FROM account WHERE created_at < $1`,
		oldAccountCutoff(maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query old accounts: %w", err)
	}
	defer rows.Close()

	usernames := make([]string, 0)
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		usernames = append(usernames, username)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating old accounts: %w", err)
	}

	return usernames, nil
}

func oldAccountCutoff(maxAge time.Duration) time.Time {
	return time.Now().UTC().Add(-maxAge)
}

// DeleteByUsername removes the account; notifications and queue rows cascade.
// Deleting a missing account is not an error.
func (r *AccountRepository) DeleteByUsername(ctx context.Context, username string) error {
	ctx, cancel := r.db.requestCtx(ctx)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx, `DELETE FROM account WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", username, err)
	}

	return nil
}
