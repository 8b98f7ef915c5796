package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Provider is the narrow interface to the system that actually owns the
// resources (database service, object store, queue broker, ...). Destroy
// must be idempotent: destroying an already-gone resource reports a
// ProviderError with NotFound set, which counts as success.
type Provider interface {
	Destroy(ctx context.Context, resourceID string, providerMetadata map[string]any) error
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, resourceID string, providerMetadata map[string]any) error

func (f ProviderFunc) Destroy(ctx context.Context, resourceID string, providerMetadata map[string]any) error {
	return f(ctx, resourceID, providerMetadata)
}

// DestroyStrategy selects how a scope's orphans are destroyed.
type DestroyStrategy string

const (
	// StrategySequential destroys one orphan at a time in stable id order.
	// Default.
	StrategySequential DestroyStrategy = "sequential"

	// StrategyParallel issues all destroy calls concurrently. There is no
	// built-in concurrency cap; callers who need one wrap their provider
	// with a limiter.
	StrategyParallel DestroyStrategy = "parallel"

	// StrategyBatched destroys fixed-size groups, each group with
	// concurrency equal to the group size, moving to the next group only
	// after the current one completes.
	StrategyBatched DestroyStrategy = "batched"
)

// destroyResult is the terminal outcome for one orphan.
type destroyResult struct {
	record ResourceRecord
	err    error // nil means destroyed (or already gone)
}

// destroyOutcome aggregates results across a whole plan.
type destroyOutcome struct {
	deleted []ResourceRecord
	failed  []destroyResult

	// halted is set when the sequential strategy stopped early; orphans
	// after the stop point were not attempted and stay in the manifest.
	halted bool
}

// destroyer executes a plan's orphan set against the provider.
type destroyer struct {
	provider Provider
	observer Observer
	path     ScopePath

	strategy        DestroyStrategy
	batchSize       int
	maxRetries      int
	retryDelay      time.Duration
	continueOnError bool
}

func (d *destroyer) run(ctx context.Context, orphans []ResourceRecord) *destroyOutcome {
	switch d.strategy {
	case StrategyParallel:
		return d.runParallel(ctx, orphans)
	case StrategyBatched:
		return d.runBatched(ctx, orphans)
	default:
		return d.runSequential(ctx, orphans)
	}
}

func (d *destroyer) runSequential(ctx context.Context, orphans []ResourceRecord) *destroyOutcome {
	out := &destroyOutcome{}
	for _, rec := range orphans {
		err := d.destroyOne(ctx, rec)
		if err == nil {
			out.deleted = append(out.deleted, rec)
			continue
		}
		out.failed = append(out.failed, destroyResult{record: rec, err: err})
		if !d.continueOnError {
			out.halted = true
			return out
		}
	}
	return out
}

func (d *destroyer) runParallel(ctx context.Context, orphans []ResourceRecord) *destroyOutcome {
	results := make(chan destroyResult, len(orphans))
	var wg sync.WaitGroup
	for _, rec := range orphans {
		wg.Add(1)
		go func(rec ResourceRecord) {
			defer wg.Done()
			results <- destroyResult{record: rec, err: d.destroyOne(ctx, rec)}
		}(rec)
	}
	wg.Wait()
	close(results)

	out := &destroyOutcome{}
	for res := range results {
		if res.err == nil {
			out.deleted = append(out.deleted, res.record)
		} else {
			out.failed = append(out.failed, res)
		}
	}
	return out
}

func (d *destroyer) runBatched(ctx context.Context, orphans []ResourceRecord) *destroyOutcome {
	size := d.batchSize
	if size <= 0 {
		size = 1
	}
	out := &destroyOutcome{}
	for start := 0; start < len(orphans); start += size {
		end := start + size
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := d.runParallel(ctx, orphans[start:end])
		out.deleted = append(out.deleted, batch.deleted...)
		out.failed = append(out.failed, batch.failed...)
	}
	return out
}

// destroyOne runs a single destroy with linear-backoff retry. A not-found
// error counts as success (deletion is idempotent); any other non-retryable
// error fails immediately.
func (d *destroyer) destroyOne(ctx context.Context, rec ResourceRecord) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxRetries+1; attempt++ {
		d.observer.OnDestroyStart(ctx, &DestroyStartEvent{
			ScopePath:  d.path,
			ResourceID: rec.ID,
			Kind:       rec.Kind,
			Attempt:    attempt,
		})

		start := time.Now()
		err := d.provider.Destroy(ctx, rec.ID, rec.ProviderMetadata)
		notFound := IsNotFound(err)
		if notFound {
			err = nil
		}

		d.observer.OnDestroyEnd(ctx, &DestroyEndEvent{
			ScopePath:  d.path,
			ResourceID: rec.ID,
			Kind:       rec.Kind,
			Attempt:    attempt,
			Duration:   time.Since(start),
			Error:      err,
			NotFound:   notFound,
		})

		if err == nil {
			return nil
		}
		lastErr = err

		if attempt > d.maxRetries || !IsRetryable(err) {
			break
		}

		delay := d.retryDelay * time.Duration(attempt)
		d.observer.OnRetry(ctx, &RetryEvent{
			ScopePath:  d.path,
			ResourceID: rec.ID,
			Attempt:    attempt,
			Delay:      delay,
			Error:      err,
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("canceled during retry backoff for %q: %w", rec.ID, ctx.Err())
		}
	}

	var perr *ProviderError
	if errors.As(lastErr, &perr) {
		return lastErr
	}
	// Wrap bare provider failures so callers get a uniform error shape.
	return &ProviderError{ResourceID: rec.ID, Cause: lastErr}
}
