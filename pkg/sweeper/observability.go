package sweeper

import (
	"context"
	"time"
)

// Observer is the interface for observing finalize execution events.
// Implementations can emit metrics, logs, or traces to their observability
// backend.
//
// All Observer methods are called synchronously during execution, so
// implementations should be fast and non-blocking. For expensive operations
// (e.g., network calls), consider buffering events and processing them
// asynchronously.
type Observer interface {
	// OnFinalizeStart is called when a scope finalize begins, after the
	// lock has been acquired.
	OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent)

	// OnFinalizeEnd is called when a scope finalize completes (success,
	// dry run, or failure).
	OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent)

	// OnDestroyStart is called before each provider destroy attempt.
	OnDestroyStart(ctx context.Context, event *DestroyStartEvent)

	// OnDestroyEnd is called after each provider destroy attempt.
	OnDestroyEnd(ctx context.Context, event *DestroyEndEvent)

	// OnRetry is called when a destroy is retried after a retryable
	// failure.
	OnRetry(ctx context.Context, event *RetryEvent)

	// OnLockAcquired is called after a lock acquisition attempt resolves,
	// whether it succeeded or timed out.
	OnLockAcquired(ctx context.Context, event *LockEvent)
}

// FinalizeStartEvent is emitted when a scope finalize begins.
type FinalizeStartEvent struct {
	ScopePath ScopePath
	Declared  int // resources registered this run
	DryRun    bool
}

// FinalizeEndEvent is emitted when a scope finalize completes.
type FinalizeEndEvent struct {
	ScopePath ScopePath
	Deleted   int
	Failed    int
	Duration  time.Duration
	DryRun    bool
	Error     error // nil unless the finalize aborted (lock, conflict, corrupt manifest)
}

// DestroyStartEvent is emitted before a provider destroy attempt.
type DestroyStartEvent struct {
	ScopePath  ScopePath
	ResourceID string
	Kind       string
	Attempt    int // 1 for first attempt, 2+ for retries
}

// DestroyEndEvent is emitted after a provider destroy attempt.
type DestroyEndEvent struct {
	ScopePath  ScopePath
	ResourceID string
	Kind       string
	Attempt    int
	Duration   time.Duration
	Error      error // nil if destroyed or already gone
	NotFound   bool  // true if the provider reported the resource missing
}

// RetryEvent is emitted when a destroy is retried after failure.
type RetryEvent struct {
	ScopePath  ScopePath
	ResourceID string
	Attempt    int           // The attempt number that failed (before retry)
	Delay      time.Duration // How long we're waiting before retry
	Error      error         // The error that triggered the retry
}

// LockEvent is emitted when a lock acquisition attempt resolves.
type LockEvent struct {
	ScopePath ScopePath
	HolderID  string
	Wait      time.Duration // time spent waiting for the lock
	Acquired  bool
}

// NoOpObserver is a no-op implementation of Observer.
// Useful as a base for partial implementations.
type NoOpObserver struct{}

func (NoOpObserver) OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent) {}
func (NoOpObserver) OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent)     {}
func (NoOpObserver) OnDestroyStart(ctx context.Context, event *DestroyStartEvent)   {}
func (NoOpObserver) OnDestroyEnd(ctx context.Context, event *DestroyEndEvent)       {}
func (NoOpObserver) OnRetry(ctx context.Context, event *RetryEvent)                 {}
func (NoOpObserver) OnLockAcquired(ctx context.Context, event *LockEvent)           {}

// MultiObserver combines multiple observers into one.
// Events are sent to all observers in order.
type MultiObserver struct {
	Observers []Observer
}

func (m *MultiObserver) OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent) {
	for _, obs := range m.Observers {
		obs.OnFinalizeStart(ctx, event)
	}
}

func (m *MultiObserver) OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent) {
	for _, obs := range m.Observers {
		obs.OnFinalizeEnd(ctx, event)
	}
}

func (m *MultiObserver) OnDestroyStart(ctx context.Context, event *DestroyStartEvent) {
	for _, obs := range m.Observers {
		obs.OnDestroyStart(ctx, event)
	}
}

func (m *MultiObserver) OnDestroyEnd(ctx context.Context, event *DestroyEndEvent) {
	for _, obs := range m.Observers {
		obs.OnDestroyEnd(ctx, event)
	}
}

func (m *MultiObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	for _, obs := range m.Observers {
		obs.OnRetry(ctx, event)
	}
}

func (m *MultiObserver) OnLockAcquired(ctx context.Context, event *LockEvent) {
	for _, obs := range m.Observers {
		obs.OnLockAcquired(ctx, event)
	}
}
