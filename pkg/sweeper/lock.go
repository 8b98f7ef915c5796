package sweeper

import (
	"context"
	"time"
)

// LockRecord describes a held lock. It lives in a namespace separate from
// the manifests and is never part of a scope's persisted state.
type LockRecord struct {
	ScopePath  ScopePath
	HolderID   string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Locker serializes mutating access to a scope path across processes.
// Implementations must be thread-safe.
//
// Locks auto-expire after their TTL even without an explicit Release, so a
// crashed holder never wedges a scope. A holder whose operation may outlive
// the TTL renews via Renew.
type Locker interface {
	// TryAcquire attempts to take the lock once, without blocking.
	// Returns false if an unexpired lock is held by someone else.
	TryAcquire(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error)

	// Release removes the lock if it is still held by holder.
	// Idempotent: releasing an expired or already-released lock is a no-op.
	Release(ctx context.Context, path ScopePath, holder string) error

	// Renew extends the TTL of a lock still held by holder.
	// Returns false if the lock expired or was taken over in the meantime.
	Renew(ctx context.Context, path ScopePath, holder string, ttl time.Duration) (bool, error)
}

// lockPollInterval is how often acquireLock re-attempts a contended lock
// while waiting out the caller's timeout.
const lockPollInterval = 50 * time.Millisecond

// acquireLock polls TryAcquire until it succeeds or timeout elapses.
// A zero timeout means a single attempt (fail fast).
func acquireLock(ctx context.Context, locker Locker, path ScopePath, holder string, ttl, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := locker.TryAcquire(ctx, path, holder, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().Add(lockPollInterval).After(deadline) {
			return &LockTimeoutError{ScopePath: path, Timeout: timeout}
		}
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
