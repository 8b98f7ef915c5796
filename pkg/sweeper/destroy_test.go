package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// countingProvider records destroy attempts per resource and fails the first
// failuresBefore[id] attempts with a retryable error.
type countingProvider struct {
	mu             sync.Mutex
	attempts       map[string]int
	failuresBefore map[string]int
	fail           map[string]error
}

func newCountingProvider() *countingProvider {
	return &countingProvider{
		attempts:       make(map[string]int),
		failuresBefore: make(map[string]int),
		fail:           make(map[string]error),
	}
}

func (p *countingProvider) Destroy(ctx context.Context, id string, metadata map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[id]++
	if err, ok := p.fail[id]; ok {
		return err
	}
	if p.attempts[id] <= p.failuresBefore[id] {
		return &ProviderError{ResourceID: id, Retryable: true, Cause: errors.New("transient")}
	}
	return nil
}

func (p *countingProvider) attemptCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func testDestroyer(p Provider, strategy DestroyStrategy) *destroyer {
	path, _ := NewScopePath("app", "test")
	return &destroyer{
		provider:        p,
		observer:        NoOpObserver{},
		path:            path,
		strategy:        strategy,
		batchSize:       2,
		maxRetries:      3,
		retryDelay:      time.Millisecond,
		continueOnError: true,
	}
}

func records(ids ...string) []ResourceRecord {
	out := make([]ResourceRecord, len(ids))
	for i, id := range ids {
		out[i] = ResourceRecord{ID: id}
	}
	return out
}

func TestDestroyer_StrategiesDestroyEverything(t *testing.T) {
	for _, strategy := range []DestroyStrategy{StrategySequential, StrategyParallel, StrategyBatched} {
		t.Run(string(strategy), func(t *testing.T) {
			provider := newCountingProvider()
			d := testDestroyer(provider, strategy)

			out := d.run(context.Background(), records("a", "b", "c", "d", "e"))

			if len(out.deleted) != 5 {
				t.Errorf("deleted %d resources, want 5", len(out.deleted))
			}
			if len(out.failed) != 0 {
				t.Errorf("unexpected failures: %d", len(out.failed))
			}
			for _, id := range []string{"a", "b", "c", "d", "e"} {
				if provider.attemptCount(id) != 1 {
					t.Errorf("resource %s attempted %d times, want 1", id, provider.attemptCount(id))
				}
			}
		})
	}
}

func TestDestroyer_RetryableErrorRetriesThenSucceeds(t *testing.T) {
	provider := newCountingProvider()
	provider.failuresBefore["flaky"] = 2
	d := testDestroyer(provider, StrategySequential)

	out := d.run(context.Background(), records("flaky"))

	if len(out.deleted) != 1 {
		t.Fatalf("expected flaky to eventually succeed, failed: %v", out.failed)
	}
	if got := provider.attemptCount("flaky"); got != 3 {
		t.Errorf("attempts = %d, want 3 (two failures then success)", got)
	}
}

func TestDestroyer_RetriesExhausted(t *testing.T) {
	provider := newCountingProvider()
	provider.failuresBefore["down"] = 100
	d := testDestroyer(provider, StrategySequential)

	out := d.run(context.Background(), records("down"))

	if len(out.failed) != 1 {
		t.Fatalf("expected failure after exhausting retries, got deleted=%d", len(out.deleted))
	}
	// One initial attempt plus maxRetries.
	if got := provider.attemptCount("down"); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if !IsRetryable(out.failed[0].err) {
		t.Errorf("expected the retryable provider error to surface, got %v", out.failed[0].err)
	}
}

func TestDestroyer_NonRetryableFailsImmediately(t *testing.T) {
	provider := newCountingProvider()
	provider.fail["locked"] = &ProviderError{ResourceID: "locked", Cause: errors.New("permission denied")}
	d := testDestroyer(provider, StrategySequential)

	out := d.run(context.Background(), records("locked"))

	if len(out.failed) != 1 {
		t.Fatal("expected a recorded failure")
	}
	if got := provider.attemptCount("locked"); got != 1 {
		t.Errorf("non-retryable error was retried: %d attempts", got)
	}
}

func TestDestroyer_NotFoundIsSuccess(t *testing.T) {
	provider := newCountingProvider()
	provider.fail["gone"] = &ProviderError{ResourceID: "gone", NotFound: true, Cause: errors.New("404")}
	d := testDestroyer(provider, StrategySequential)

	out := d.run(context.Background(), records("gone", "present"))

	if len(out.deleted) != 2 {
		t.Errorf("deleted = %d, want 2 (not-found counts as success)", len(out.deleted))
	}
	if len(out.failed) != 0 {
		t.Errorf("unexpected failures: %v", out.failed)
	}
}

func TestDestroyer_SequentialHaltsWithoutContinueOnError(t *testing.T) {
	provider := newCountingProvider()
	provider.fail["b"] = &ProviderError{ResourceID: "b", Cause: errors.New("boom")}
	d := testDestroyer(provider, StrategySequential)
	d.continueOnError = false

	out := d.run(context.Background(), records("a", "b", "c"))

	if !out.halted {
		t.Error("expected the run to halt at the failure")
	}
	if len(out.deleted) != 1 || out.deleted[0].ID != "a" {
		t.Errorf("deleted = %v, want [a]", ids(out.deleted))
	}
	if got := provider.attemptCount("c"); got != 0 {
		t.Errorf("resource after the halt was attempted %d times", got)
	}
}

func TestDestroyer_ParallelRecordsAllFailures(t *testing.T) {
	provider := newCountingProvider()
	provider.fail["b"] = &ProviderError{ResourceID: "b", Cause: errors.New("boom")}
	provider.fail["d"] = &ProviderError{ResourceID: "d", Cause: errors.New("boom")}
	d := testDestroyer(provider, StrategyParallel)

	out := d.run(context.Background(), records("a", "b", "c", "d"))

	if len(out.deleted) != 2 {
		t.Errorf("deleted = %d, want 2", len(out.deleted))
	}
	if len(out.failed) != 2 {
		t.Errorf("failed = %d, want 2", len(out.failed))
	}
}

func TestDestroyer_BareErrorWrappedAsProviderError(t *testing.T) {
	provider := newCountingProvider()
	provider.fail["x"] = errors.New("raw failure")
	d := testDestroyer(provider, StrategySequential)

	out := d.run(context.Background(), records("x"))

	if len(out.failed) != 1 {
		t.Fatal("expected a failure")
	}
	var perr *ProviderError
	if !errors.As(out.failed[0].err, &perr) {
		t.Fatalf("expected ProviderError wrapper, got %T", out.failed[0].err)
	}
	if perr.ResourceID != "x" {
		t.Errorf("wrapped error resource id = %q, want x", perr.ResourceID)
	}
}

func TestDestroyer_ContextCanceledDuringBackoff(t *testing.T) {
	provider := newCountingProvider()
	provider.failuresBefore["flaky"] = 100
	d := testDestroyer(provider, StrategySequential)
	d.retryDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := d.run(ctx, records("flaky"))

	if len(out.failed) != 1 {
		t.Fatal("expected a failure after cancellation")
	}
	if !errors.Is(out.failed[0].err, context.Canceled) {
		t.Errorf("expected context.Canceled in the chain, got %v", out.failed[0].err)
	}
}
