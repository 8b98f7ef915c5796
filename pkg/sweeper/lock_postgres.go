package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker with a lock table. Expiry is wall-clock
// based (expires_at column) rather than session based, so locks survive pool
// reconnects and can be inspected with plain SQL.
type PostgresLocker struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresLocker creates a Postgres-backed lock manager.
func NewPostgresLocker(pool *pgxpool.Pool, tableName string) *PostgresLocker {
	if tableName == "" {
		tableName = "sweeper_locks"
	}
	return &PostgresLocker{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the lock table if it doesn't exist.
func (l *PostgresLocker) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			scope_path TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		);
	`, l.tableName)

	_, err := l.pool.Exec(ctx, query)
	return err
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	// Insert wins an absent lock; the conditional update takes over an
	// expired one. Zero rows means an unexpired lock is held. Locks are
	// not re-entrant.
	query := fmt.Sprintf(`
		INSERT INTO %s (scope_path, holder, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (scope_path) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = now(),
			expires_at = excluded.expires_at
		WHERE %s.expires_at < now()
	`, l.tableName, l.tableName)

	tag, err := l.pool.Exec(ctx, query, path.String(), holder, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("postgres lock acquire failed for %s: %w", path, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLocker) Release(ctx context.Context, path ScopePath, holder string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE scope_path = $1 AND holder = $2", l.tableName)
	if _, err := l.pool.Exec(ctx, query, path.String(), holder); err != nil {
		return fmt.Errorf("postgres lock release failed for %s: %w", path, err)
	}
	return nil
}

func (l *PostgresLocker) Renew(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = now() + $1::interval
		WHERE scope_path = $2 AND holder = $3 AND expires_at >= now()
	`, l.tableName)

	tag, err := l.pool.Exec(ctx, query, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()), path.String(), holder)
	if err != nil {
		return false, fmt.Errorf("postgres lock renew failed for %s: %w", path, err)
	}
	return tag.RowsAffected() == 1, nil
}
