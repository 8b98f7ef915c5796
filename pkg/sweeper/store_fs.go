package sweeper

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	stateFileName = "state.json"
	backupDirName = "backups"

	// backupTimeLayout is an ISO-8601 instant with colons replaced so the
	// name is valid on every filesystem. Lexical order equals time order.
	backupTimeLayout = "2006-01-02T15-04-05.000000000Z"
)

// FSOption configures an FSStore.
type FSOption interface {
	apply(*FSStore)
}

type fsOptionFunc func(*FSStore)

func (f fsOptionFunc) apply(s *FSStore) {
	f(s)
}

// WithVersioning enables or disables backup snapshots before each write.
// Enabled by default.
func WithVersioning(enabled bool) FSOption {
	return fsOptionFunc(func(s *FSStore) {
		s.versioning = enabled
	})
}

// WithMaxBackupVersions sets how many snapshots are retained per scope,
// newest first. Older snapshots are pruned after each write. Default is 10.
func WithMaxBackupVersions(n int) FSOption {
	return fsOptionFunc(func(s *FSStore) {
		s.maxBackups = n
	})
}

// FSStore persists one manifest file per scope path under a root directory:
//
//	<root>/<app>/<stage>/<nested...>/state.json
//
// Writes go through a temp file plus rename, so a crashed write never leaves
// a half-written manifest. When versioning is enabled the previous state file
// is snapshotted to backups/state-<timestamp>.json before being replaced.
type FSStore struct {
	root       string
	versioning bool
	maxBackups int
}

// NewFSStore creates a filesystem-backed store rooted at dir.
func NewFSStore(dir string, opts ...FSOption) *FSStore {
	s := &FSStore{
		root:       dir,
		versioning: true,
		maxBackups: 10,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

func (s *FSStore) scopeDir(path ScopePath) string {
	return filepath.Join(s.root, filepath.Join(path...))
}

func (s *FSStore) stateFile(path ScopePath) string {
	return filepath.Join(s.scopeDir(path), stateFileName)
}

func (s *FSStore) Load(ctx context.Context, path ScopePath) (*Manifest, error) {
	data, err := os.ReadFile(s.stateFile(path))
	if os.IsNotExist(err) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for scope %s: %w", path, err)
	}
	return decodeManifest(path, data)
}

func (s *FSStore) Save(ctx context.Context, path ScopePath, manifest *Manifest) error {
	file := s.stateFile(path)

	// CAS against the version currently on disk.
	var current int64
	existing, err := os.ReadFile(file)
	switch {
	case err == nil:
		m, derr := decodeManifest(path, existing)
		if derr != nil {
			return derr
		}
		current = m.Version
	case os.IsNotExist(err):
		current = 0
	default:
		return fmt.Errorf("failed to read manifest for scope %s: %w", path, err)
	}
	if manifest.Version != current+1 {
		return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: current}
	}

	if err := os.MkdirAll(s.scopeDir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create scope directory for %s: %w", path, err)
	}

	if s.versioning && current > 0 {
		if err := s.snapshot(path, existing); err != nil {
			return err
		}
	}

	data, err := encodeManifest(manifest)
	if err != nil {
		return err
	}

	// Temp file + rename keeps the state file atomic.
	tmp, err := os.CreateTemp(s.scopeDir(path), stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest for scope %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest for scope %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close manifest for scope %s: %w", path, err)
	}
	if err := os.Rename(tmpName, file); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit manifest for scope %s: %w", path, err)
	}
	return nil
}

// snapshot copies the current state file into the backup directory and
// prunes snapshots beyond the retention limit, oldest first.
func (s *FSStore) snapshot(path ScopePath, current []byte) error {
	dir := filepath.Join(s.scopeDir(path), backupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory for %s: %w", path, err)
	}

	name := fmt.Sprintf("state-%s.json", time.Now().UTC().Format(backupTimeLayout))
	if err := os.WriteFile(filepath.Join(dir, name), current, 0o644); err != nil {
		return fmt.Errorf("failed to write backup for scope %s: %w", path, err)
	}

	names, err := s.listBackupNames(path)
	if err != nil {
		return err
	}
	for len(names) > s.maxBackups {
		oldest := names[0]
		if err := os.Remove(filepath.Join(dir, oldest)); err != nil {
			return fmt.Errorf("failed to prune backup %s for scope %s: %w", oldest, path, err)
		}
		names = names[1:]
	}
	return nil
}

func (s *FSStore) listBackupNames(path ScopePath) ([]string, error) {
	dir := filepath.Join(s.scopeDir(path), backupDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups for scope %s: %w", path, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListBackups returns snapshot names for a scope, oldest first.
func (s *FSStore) ListBackups(ctx context.Context, path ScopePath) ([]string, error) {
	return s.listBackupNames(path)
}

// RestoreBackup promotes a named snapshot to the live state file. This is the
// manual recovery path after a ManifestCorruptError. The snapshot must decode
// cleanly before it replaces the state file.
func (s *FSStore) RestoreBackup(ctx context.Context, path ScopePath, name string) error {
	data, err := os.ReadFile(filepath.Join(s.scopeDir(path), backupDirName, name))
	if err != nil {
		return fmt.Errorf("failed to read backup %s for scope %s: %w", name, path, err)
	}
	if _, err := decodeManifest(path, data); err != nil {
		return err
	}
	if err := os.WriteFile(s.stateFile(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to restore backup %s for scope %s: %w", name, path, err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, path ScopePath) error {
	if err := os.Remove(s.stateFile(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete manifest for scope %s: %w", path, err)
	}
	// Backups and empty directories are left behind on purpose: they are
	// the recovery trail for an accidentally destroyed scope.
	return nil
}

func (s *FSStore) List(ctx context.Context, prefix ScopePath) ([]ScopePath, error) {
	start := s.scopeDir(prefix)
	var paths []ScopePath

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && d.Name() == backupDirName {
			return filepath.SkipDir
		}
		if d.IsDir() || d.Name() != stateFileName {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		paths = append(paths, ScopePath(strings.Split(filepath.ToSlash(rel), "/")))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes under %s: %w", prefix, err)
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	return paths, nil
}
