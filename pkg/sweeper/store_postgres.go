package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using github.com/jackc/pgx/v5.
// It is designed to work with pgxpool, similar to River. The manifest is
// stored as JSONB so operators can inspect state with plain SQL.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "sweeper_manifests"
	}
	return &PostgresStore{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			scope_path TEXT PRIMARY KEY,
			manifest JSONB NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, path ScopePath) (*Manifest, error) {
	query := fmt.Sprintf("SELECT manifest FROM %s WHERE scope_path = $1", s.tableName)

	var data []byte
	err := s.pool.QueryRow(ctx, query, path.String()).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for scope %s: %w", path, err)
	}
	return decodeManifest(path, data)
}

func (s *PostgresStore) Save(ctx context.Context, path ScopePath, manifest *Manifest) error {
	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}

	if manifest.Version == 1 {
		query := fmt.Sprintf(
			"INSERT INTO %s (scope_path, manifest, version, updated_at) VALUES ($1, $2, $3, now())",
			s.tableName)
		if _, err := s.pool.Exec(ctx, query, path.String(), data, manifest.Version); err != nil {
			var pgErr *pgconn.PgError
			// 23505 = unique_violation: someone committed version 1 first.
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				found, _ := s.currentVersion(ctx, path)
				return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: found}
			}
			return fmt.Errorf("failed to insert manifest for scope %s: %w", path, err)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET manifest = $1, version = $2, updated_at = now()
		WHERE scope_path = $3 AND version = $4
	`, s.tableName)
	tag, err := s.pool.Exec(ctx, query, data, manifest.Version, path.String(), manifest.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update manifest for scope %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		found, _ := s.currentVersion(ctx, path)
		return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: found}
	}
	return nil
}

func (s *PostgresStore) currentVersion(ctx context.Context, path ScopePath) (int64, error) {
	query := fmt.Sprintf("SELECT version FROM %s WHERE scope_path = $1", s.tableName)
	var version int64
	err := s.pool.QueryRow(ctx, query, path.String()).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func (s *PostgresStore) Delete(ctx context.Context, path ScopePath) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE scope_path = $1", s.tableName)
	_, err := s.pool.Exec(ctx, query, path.String())
	return err
}

func (s *PostgresStore) List(ctx context.Context, prefix ScopePath) ([]ScopePath, error) {
	query := fmt.Sprintf(
		"SELECT scope_path FROM %s WHERE scope_path = $1 OR scope_path LIKE $2 ORDER BY scope_path",
		s.tableName)

	rows, err := s.pool.Query(ctx, query, prefix.String(), prefix.String()+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes under %s: %w", prefix, err)
	}
	defer rows.Close()

	var paths []ScopePath
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		paths = append(paths, ScopePath(strings.Split(key, "/")))
	}
	return paths, rows.Err()
}
