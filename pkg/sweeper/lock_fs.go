package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FSLocker implements Locker with lock files. A lock is a JSON file created
// with O_EXCL, so creation is atomic on POSIX filesystems; expiry is judged
// from the record inside the file. Pairs naturally with FSStore but uses its
// own directory tree, keeping the lock namespace separate from state.
type FSLocker struct {
	root string
}

// NewFSLocker creates a file-based lock manager rooted at dir.
func NewFSLocker(dir string) *FSLocker {
	return &FSLocker{root: dir}
}

type fsLockRecord struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLMillis  int64     `json:"ttlMs"`
}

func (l *FSLocker) lockFile(path ScopePath) string {
	return filepath.Join(l.root, filepath.Join(path...)) + ".lock"
}

func (l *FSLocker) TryAcquire(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	file := l.lockFile(path)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory for %s: %w", path, err)
	}

	rec, err := l.readRecord(file)
	if err != nil {
		return false, err
	}
	if rec != nil {
		expired := time.Now().After(rec.AcquiredAt.Add(time.Duration(rec.TTLMillis) * time.Millisecond))
		if !expired {
			return false, nil
		}
		// Stale lock: clear it and race for the new one below.
		os.Remove(file)
	}

	data, err := json.Marshal(fsLockRecord{
		HolderID:   holder,
		AcquiredAt: time.Now(),
		TTLMillis:  ttl.Milliseconds(),
	})
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(file)
		return false, fmt.Errorf("failed to write lock file for %s: %w", path, err)
	}
	return true, f.Close()
}

func (l *FSLocker) readRecord(file string) (*fsLockRecord, error) {
	data, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file %s: %w", file, err)
	}
	rec := &fsLockRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		// A torn lock file counts as stale.
		return nil, nil
	}
	return rec, nil
}

func (l *FSLocker) Release(ctx context.Context, path ScopePath, holder string) error {
	file := l.lockFile(path)
	rec, err := l.readRecord(file)
	if err != nil {
		return err
	}
	if rec == nil || rec.HolderID != holder {
		return nil
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock for %s: %w", path, err)
	}
	return nil
}

func (l *FSLocker) Renew(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	file := l.lockFile(path)
	rec, err := l.readRecord(file)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.HolderID != holder {
		return false, nil
	}
	if time.Now().After(rec.AcquiredAt.Add(time.Duration(rec.TTLMillis) * time.Millisecond)) {
		return false, nil
	}

	data, err := json.Marshal(fsLockRecord{
		HolderID:   holder,
		AcquiredAt: time.Now(),
		TTLMillis:  ttl.Milliseconds(),
	})
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to renew lock for %s: %w", path, err)
	}
	return true, nil
}
