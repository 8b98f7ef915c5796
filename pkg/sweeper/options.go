package sweeper

import "time"

// finalizeConfig holds the effective settings for one Finalize call.
type finalizeConfig struct {
	strategy        DestroyStrategy
	batchSize       int
	maxRetries      int
	retryDelay      time.Duration
	continueOnError bool
	dryRun          bool
	lockTimeout     time.Duration
}

func defaultFinalizeConfig() finalizeConfig {
	return finalizeConfig{
		strategy:        StrategySequential,
		batchSize:       10,
		maxRetries:      3,
		retryDelay:      100 * time.Millisecond,
		continueOnError: true,
		lockTimeout:     5 * time.Second,
	}
}

// FinalizeOption is a functional option for a single Finalize call.
// Options override the manager-level defaults.
type FinalizeOption interface {
	apply(*finalizeConfig)
}

type finalizeOptionFunc func(*finalizeConfig)

func (f finalizeOptionFunc) apply(c *finalizeConfig) {
	f(c)
}

// WithStrategy selects the destroy strategy for this finalize.
func WithStrategy(strategy DestroyStrategy) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.strategy = strategy
	})
}

// WithBatchSize sets the group size for the batched strategy.
func WithBatchSize(n int) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.batchSize = n
	})
}

// WithMaxRetries sets how many times a retryable destroy failure is retried
// after the first attempt.
func WithMaxRetries(n int) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.maxRetries = n
	})
}

// WithRetryDelay sets the base backoff: the wait before retry attempt n is
// delay * n (linear).
func WithRetryDelay(d time.Duration) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.retryDelay = d
	})
}

// WithContinueOnError controls whether the sequential strategy keeps going
// after a resource fails all its retries. Parallel and batched strategies
// always record failures and continue.
func WithContinueOnError(continueOnError bool) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.continueOnError = continueOnError
	})
}

// WithDryRun computes and returns the orphan plan without calling destroy or
// writing state. Used for preview and audit.
func WithDryRun(dryRun bool) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.dryRun = dryRun
	})
}

// WithLockTimeout bounds how long Finalize waits for the scope lock before
// failing with LockTimeoutError.
func WithLockTimeout(d time.Duration) FinalizeOption {
	return finalizeOptionFunc(func(c *finalizeConfig) {
		c.lockTimeout = d
	})
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption interface {
	apply(*Manager)
}

type managerOptionFunc func(*Manager)

func (f managerOptionFunc) apply(m *Manager) {
	f(m)
}

// WithObserver sets the observer receiving finalize, destroy, retry, and
// lock events. Defaults to NoOpObserver.
func WithObserver(observer Observer) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		m.observer = observer
	})
}

// WithHolderID sets the lock holder identity recorded for this manager.
// Defaults to a random token. Locks are not re-entrant, so the id only
// guards release and renewal, never grants a second acquire.
func WithHolderID(id string) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		m.holderID = id
	})
}

// WithLockTTL sets how long an acquired scope lock lives without renewal.
// Default is 30s.
func WithLockTTL(ttl time.Duration) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		m.lockTTL = ttl
	})
}

// WithDefaults sets manager-level defaults applied to every Finalize call
// before its own options.
func WithDefaults(opts ...FinalizeOption) ManagerOption {
	return managerOptionFunc(func(m *Manager) {
		for _, opt := range opts {
			opt.apply(&m.defaults)
		}
	})
}
