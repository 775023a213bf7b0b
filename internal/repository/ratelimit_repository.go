// Package repository implements durable rate limit stores.
package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/autoluzes/autoluzes/internal/models"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
)

// querier is the subset of pgxpool.Pool the repository uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

var _ ratelimit.Store = (*PostgresRateLimitRepository)(nil)

// hitQuery opens, resets or increments the window in one statement. The
// WHERE clause on the conflict branch skips the update when the quota is
// exhausted, in which case no row is returned.
const hitQuery = `
	INSERT INTO rate_limits AS rl (identifier, action, count, reset_at)
	VALUES ($1, $2, 1, $3)
	ON CONFLICT (identifier, action) DO UPDATE SET
		count    = CASE WHEN rl.reset_at <= $4 THEN 1 ELSE rl.count + 1 END,
		reset_at = CASE WHEN rl.reset_at <= $4 THEN EXCLUDED.reset_at ELSE rl.reset_at END
	WHERE rl.reset_at <= $4 OR rl.count < $5::bigint
	RETURNING count, reset_at
`

const getQuery = `
	SELECT count, reset_at
	FROM rate_limits
	WHERE identifier = $1 AND action = $2
`

// PostgresRateLimitRepository stores rate limit records in PostgreSQL.
type PostgresRateLimitRepository struct {
	db querier
}

// NewPostgresRateLimitRepository creates a repository on top of db.
// The caller owns db and closes it.
func NewPostgresRateLimitRepository(db querier) *PostgresRateLimitRepository {
	return &PostgresRateLimitRepository{db: db}
}

// Hit records one attempt atomically.
func (r *PostgresRateLimitRepository) Hit(ctx context.Context, identifier, action string, limit int, window time.Duration, now time.Time) (ratelimit.Hit, error) {
	resetAt := now.Add(window)

	// A denial is followed by a read of the unchanged row. If the row was
	// deleted in between, the next upsert inserts it and counts the attempt,
	// so the loop ends unless deletes keep racing it until ctx expires.
	for {
		if err := ctx.Err(); err != nil {
			return ratelimit.Hit{}, err
		}

		var hit ratelimit.Hit
		hit.Record = models.RateLimitRecord{Identifier: identifier, Action: action}

		err := r.db.QueryRow(ctx, hitQuery, identifier, action, resetAt, now, limit).
			Scan(&hit.Record.Count, &hit.Record.ResetAt)
		if err == nil {
			hit.Counted = true
			hit.Record.ResetAt = hit.Record.ResetAt.UTC()
			return hit, nil
		}
		if !stderrors.Is(err, pgx.ErrNoRows) {
			return ratelimit.Hit{}, errors.WithMessage(err, "record rate limit attempt")
		}

		record, err := r.Get(ctx, identifier, action)
		if stderrors.Is(err, models.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return ratelimit.Hit{}, err
		}
		return ratelimit.Hit{Record: *record}, nil
	}
}

// Get returns the stored record.
func (r *PostgresRateLimitRepository) Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error) {
	record := &models.RateLimitRecord{Identifier: identifier, Action: action}
	err := r.db.QueryRow(ctx, getQuery, identifier, action).Scan(&record.Count, &record.ResetAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRecordNotFound
		}
		return nil, errors.WithMessage(err, "get rate limit record")
	}
	record.ResetAt = record.ResetAt.UTC()
	return record, nil
}

// Reset deletes the record.
func (r *PostgresRateLimitRepository) Reset(ctx context.Context, identifier, action string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM rate_limits WHERE identifier = $1 AND action = $2`, identifier, action)
	return errors.WithMessage(err, "reset rate limit record")
}

// DeleteExpired removes records whose window ended at or before now.
func (r *PostgresRateLimitRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM rate_limits WHERE reset_at <= $1`, now)
	if err != nil {
		return 0, errors.WithMessage(err, "delete expired rate limit records")
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database connection.
func (r *PostgresRateLimitRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Close is a no-op; the pool is closed by its owner.
func (r *PostgresRateLimitRepository) Close() error {
	return nil
}
