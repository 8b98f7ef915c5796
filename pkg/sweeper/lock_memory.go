package sweeper

import (
	"context"
	"sync"
	"time"
)

// InMemoryLocker is a process-local Locker for testing and for callers that
// only ever run one process against an in-memory or filesystem store.
type InMemoryLocker struct {
	mu    sync.Mutex
	locks map[string]LockRecord
}

// NewInMemoryLocker creates a new in-memory lock manager.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{
		locks: make(map[string]LockRecord),
	}
}

func (l *InMemoryLocker) TryAcquire(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Locks are not re-entrant: an unexpired lock blocks everyone,
	// including its own holder, so concurrent finalizes in one process
	// serialize just like finalizes across processes.
	key := path.String()
	if rec, ok := l.locks[key]; ok {
		if !time.Now().After(rec.AcquiredAt.Add(rec.TTL)) {
			return false, nil
		}
	}
	l.locks[key] = LockRecord{
		ScopePath:  path,
		HolderID:   holder,
		AcquiredAt: time.Now(),
		TTL:        ttl,
	}
	return true, nil
}

func (l *InMemoryLocker) Release(ctx context.Context, path ScopePath, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := path.String()
	if rec, ok := l.locks[key]; ok && rec.HolderID == holder {
		delete(l.locks, key)
	}
	return nil
}

func (l *InMemoryLocker) Renew(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := path.String()
	rec, ok := l.locks[key]
	if !ok || rec.HolderID != holder || time.Now().After(rec.AcquiredAt.Add(rec.TTL)) {
		return false, nil
	}
	rec.AcquiredAt = time.Now()
	rec.TTL = ttl
	l.locks[key] = rec
	return true, nil
}
