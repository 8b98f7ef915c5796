package sweeper

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLDialect defines the SQL syntax variant.
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

// SQLStore implements Store using database/sql.
// It supports SQLite, Postgres, and MySQL. The manifest is stored as an
// opaque JSON blob next to a numeric version column used for CAS.
type SQLStore struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
}

// NewSQLStore creates a new SQL-backed store.
// The user is responsible for opening the *sql.DB with their preferred driver.
func NewSQLStore(db *sql.DB, tableName string, dialect SQLDialect) *SQLStore {
	if tableName == "" {
		tableName = "sweeper_manifests"
	}
	return &SQLStore{
		db:        db,
		tableName: tableName,
		dialect:   dialect,
	}
}

// InitSchema creates the necessary table if it doesn't exist.
// This is a helper for "migration-free" usage.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	blobType := "BLOB"
	if s.dialect == DialectPostgres {
		blobType = "BYTEA"
	}
	keyType := "TEXT"
	if s.dialect == DialectMySQL {
		// MySQL needs a bounded key for the primary index.
		keyType = "VARCHAR(512)"
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			scope_path %s PRIMARY KEY,
			manifest %s,
			version BIGINT NOT NULL
		);
	`, s.tableName, keyType, blobType)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) placeholders(n int) []string {
	out := make([]string, n)
	for i := range out {
		if s.dialect == DialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

func (s *SQLStore) Load(ctx context.Context, path ScopePath) (*Manifest, error) {
	p := s.placeholders(1)
	query := fmt.Sprintf("SELECT manifest FROM %s WHERE scope_path = %s", s.tableName, p[0])

	var data []byte
	err := s.db.QueryRowContext(ctx, query, path.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for scope %s: %w", path, err)
	}
	return decodeManifest(path, data)
}

func (s *SQLStore) Save(ctx context.Context, path ScopePath, manifest *Manifest) error {
	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}

	if manifest.Version == 1 {
		p := s.placeholders(3)
		query := fmt.Sprintf("INSERT INTO %s (scope_path, manifest, version) VALUES (%s, %s, %s)",
			s.tableName, p[0], p[1], p[2])
		if _, err := s.db.ExecContext(ctx, query, path.String(), data, manifest.Version); err != nil {
			// A duplicate key means someone committed version 1 first.
			found, ferr := s.currentVersion(ctx, path)
			if ferr == nil && found > 0 {
				return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: found}
			}
			return fmt.Errorf("failed to insert manifest for scope %s: %w", path, err)
		}
		return nil
	}

	p := s.placeholders(4)
	query := fmt.Sprintf("UPDATE %s SET manifest = %s, version = %s WHERE scope_path = %s AND version = %s",
		s.tableName, p[0], p[1], p[2], p[3])
	res, err := s.db.ExecContext(ctx, query, data, manifest.Version, path.String(), manifest.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update manifest for scope %s: %w", path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update manifest for scope %s: %w", path, err)
	}
	if affected == 0 {
		found, _ := s.currentVersion(ctx, path)
		return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: found}
	}
	return nil
}

func (s *SQLStore) currentVersion(ctx context.Context, path ScopePath) (int64, error) {
	p := s.placeholders(1)
	query := fmt.Sprintf("SELECT version FROM %s WHERE scope_path = %s", s.tableName, p[0])
	var version int64
	err := s.db.QueryRowContext(ctx, query, path.String()).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func (s *SQLStore) Delete(ctx context.Context, path ScopePath) error {
	p := s.placeholders(1)
	query := fmt.Sprintf("DELETE FROM %s WHERE scope_path = %s", s.tableName, p[0])
	_, err := s.db.ExecContext(ctx, query, path.String())
	return err
}

func (s *SQLStore) List(ctx context.Context, prefix ScopePath) ([]ScopePath, error) {
	p := s.placeholders(2)
	query := fmt.Sprintf(
		"SELECT scope_path FROM %s WHERE scope_path = %s OR scope_path LIKE %s ORDER BY scope_path",
		s.tableName, p[0], p[1])

	rows, err := s.db.QueryContext(ctx, query, prefix.String(), prefix.String()+"/%")
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
