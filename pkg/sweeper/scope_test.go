package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testEnv struct {
	manager  *Manager
	store    *InMemoryStore
	locker   *InMemoryLocker
	provider *countingProvider
}

func newTestEnv(opts ...ManagerOption) *testEnv {
	env := &testEnv{
		store:    NewInMemoryStore(),
		locker:   NewInMemoryLocker(),
		provider: newCountingProvider(),
	}
	base := []ManagerOption{
		WithDefaults(WithRetryDelay(time.Millisecond), WithLockTimeout(time.Second)),
	}
	env.manager = NewManager(env.store, env.locker, env.provider, append(base, opts...)...)
	return env
}

func TestScope_RegisterResource(t *testing.T) {
	env := newTestEnv()
	scope, err := env.manager.CreateScope("app", "prod")
	if err != nil {
		t.Fatalf("create scope failed: %v", err)
	}

	if err := scope.RegisterResource("db", "database", map[string]any{"region": "us-east-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !scope.HasResource("db") {
		t.Error("registered resource not reported by HasResource")
	}

	err = scope.RegisterResource("db", "database", nil)
	var dup *DuplicateResourceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateResourceError, got %v", err)
	}
	if dup.ResourceID != "db" {
		t.Errorf("duplicate error id = %q, want db", dup.ResourceID)
	}

	if err := scope.RegisterResource("", "database", nil); err == nil {
		t.Error("empty resource id accepted")
	}
}

func TestScope_SiblingsMayReuseIDs(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	root, _ := env.manager.CreateScope("app", "prod")

	_, err := root.Nested(ctx, "left", func(s *Scope) error {
		return s.RegisterResource("db", "database", nil)
	})
	if err != nil {
		t.Fatalf("left nested failed: %v", err)
	}
	_, err = root.Nested(ctx, "right", func(s *Scope) error {
		return s.RegisterResource("db", "database", nil)
	})
	if err != nil {
		t.Fatalf("sibling reusing id failed: %v", err)
	}
}

func TestScope_RefreshMetadata(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	scope, _ := env.manager.CreateScope("app", "prod")

	if err := scope.RegisterResource("db", "database", map[string]any{"endpoint": "old"}); err != nil {
		t.Fatal(err)
	}
	if err := scope.RefreshMetadata("db", map[string]any{"endpoint": "new"}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := scope.RefreshMetadata("missing", nil); !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}

	if _, err := scope.Finalize(ctx); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	m, err := env.manager.InspectScope(ctx, scope.Path())
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if got := m.Resources["db"].ProviderMetadata["endpoint"]; got != "new" {
		t.Errorf("persisted endpoint = %v, want new", got)
	}
}

func TestScope_FinalizeLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// First run declares a and b.
	run1, _ := env.manager.CreateScope("app", "prod")
	run1.RegisterResource("a", "database", nil)
	run1.RegisterResource("b", "bucket", nil)

	report, err := run1.Finalize(ctx)
	if err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	if report.ResourcesDeleted != 0 {
		t.Errorf("first run deleted %d resources", report.ResourcesDeleted)
	}
	if !sameIDs(report.Plan.Additions, "a", "b") {
		t.Errorf("additions = %v, want [a b]", ids(report.Plan.Additions))
	}

	m, _ := env.manager.InspectScope(ctx, run1.Path())
	if m.Version != 1 {
		t.Fatalf("manifest version = %d, want 1", m.Version)
	}
	createdA := m.Resources["a"].CreatedAt

	// Second run drops b: it must be destroyed and the version bumped.
	run2, _ := env.manager.CreateScope("app", "prod")
	run2.RegisterResource("a", "database", nil)

	report, err = run2.Finalize(ctx)
	if err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	if report.ResourcesDeleted != 1 {
		t.Errorf("deleted = %d, want 1", report.ResourcesDeleted)
	}
	if !sameIDs(report.Plan.Orphans, "b") {
		t.Errorf("orphans = %v, want [b]", ids(report.Plan.Orphans))
	}
	if got := env.provider.attemptCount("b"); got != 1 {
		t.Errorf("b destroyed %d times, want 1", got)
	}
	if got := env.provider.attemptCount("a"); got != 0 {
		t.Errorf("kept resource a was destroyed")
	}

	m, _ = env.manager.InspectScope(ctx, run2.Path())
	if m.Version != 2 {
		t.Errorf("manifest version = %d, want 2", m.Version)
	}
	if _, ok := m.Resources["b"]; ok {
		t.Error("destroyed resource b still in manifest")
	}
	if !m.Resources["a"].CreatedAt.Equal(createdA) {
		t.Error("kept resource lost its original creation time")
	}
}

func TestScope_FinalizeTwice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	scope, _ := env.manager.CreateScope("app", "prod")
	scope.RegisterResource("a", "database", nil)

	if _, err := scope.Finalize(ctx); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, err := scope.Finalize(ctx); !errors.Is(err, ErrScopeFinalized) {
		t.Fatalf("expected ErrScopeFinalized, got %v", err)
	}
	if err := scope.RegisterResource("late", "database", nil); !errors.Is(err, ErrScopeFinalized) {
		t.Fatalf("expected ErrScopeFinalized on late register, got %v", err)
	}
}

func TestScope_DryRun(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	run1, _ := env.manager.CreateScope("app", "prod")
	run1.RegisterResource("a", "database", nil)
	run1.RegisterResource("b", "bucket", nil)
	if _, err := run1.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	run2, _ := env.manager.CreateScope("app", "prod")
	run2.RegisterResource("a", "database", nil)

	report, err := run2.Finalize(ctx, WithDryRun(true))
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report not marked dry run")
	}
	if !sameIDs(report.Plan.Orphans, "b") {
		t.Errorf("dry run orphans = %v, want [b]", ids(report.Plan.Orphans))
	}
	if got := env.provider.attemptCount("b"); got != 0 {
		t.Errorf("dry run called destroy %d times", got)
	}

	m, _ := env.manager.InspectScope(ctx, run2.Path())
	if m.Version != 1 {
		t.Errorf("dry run advanced the manifest to version %d", m.Version)
	}

	// A dry run does not consume the scope; the real finalize still works.
	report, err = run2.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize after dry run failed: %v", err)
	}
	if report.ResourcesDeleted != 1 {
		t.Errorf("deleted = %d, want 1", report.ResourcesDeleted)
	}
}

func TestScope_FailedDestroyStaysInManifest(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	run1, _ := env.manager.CreateScope("app", "prod")
	run1.RegisterResource("a", "database", nil)
	run1.RegisterResource("b", "bucket", nil)
	if _, err := run1.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	env.provider.fail["b"] = &ProviderError{ResourceID: "b", Cause: errors.New("still has objects")}

	run2, _ := env.manager.CreateScope("app", "prod")
	run2.RegisterResource("a", "database", nil)

	report, err := run2.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if report.ResourcesFailed != 1 || len(report.Errors) != 1 {
		t.Fatalf("failed = %d errors = %d, want 1 and 1", report.ResourcesFailed, len(report.Errors))
	}

	// The orphan survives in the new manifest so the next run retries it.
	m, _ := env.manager.InspectScope(ctx, run2.Path())
	if m.Version != 2 {
		t.Errorf("version = %d, want 2", m.Version)
	}
	if _, ok := m.Resources["b"]; !ok {
		t.Error("failed orphan dropped from manifest")
	}

	// Next run with the provider healthy again cleans it up.
	delete(env.provider.fail, "b")
	run3, _ := env.manager.CreateScope("app", "prod")
	run3.RegisterResource("a", "database", nil)
	report, err = run3.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.ResourcesDeleted != 1 {
		t.Errorf("retry run deleted = %d, want 1", report.ResourcesDeleted)
	}
	m, _ = env.manager.InspectScope(ctx, run3.Path())
	if _, ok := m.Resources["b"]; ok {
		t.Error("orphan still present after successful retry run")
	}
}

func TestScope_LockContention(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	scope, _ := env.manager.CreateScope("app", "prod")
	scope.RegisterResource("a", "database", nil)

	// Someone else holds the scope lock.
	path, _ := NewScopePath("app", "prod")
	if ok, _ := env.locker.TryAcquire(ctx, path, "other-process", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	_, err := scope.Finalize(ctx, WithLockTimeout(150*time.Millisecond))
	var timeout *LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}

	// Nothing was persisted and the scope is still usable.
	if _, lerr := env.manager.InspectScope(ctx, path); !errors.Is(lerr, ErrManifestNotFound) {
		t.Error("aborted finalize wrote state")
	}
	env.locker.Release(ctx, path, "other-process")
	if _, err := scope.Finalize(ctx); err != nil {
		t.Fatalf("finalize after lock release failed: %v", err)
	}
}

func TestScope_Nested(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	root, _ := env.manager.CreateScope("app", "prod")
	root.RegisterResource("root-db", "database", nil)

	report, err := root.Nested(ctx, "workers", func(s *Scope) error {
		if got := s.Path().String(); got != "app/prod/workers" {
			t.Errorf("nested path = %s", got)
		}
		return s.RegisterResource("queue", "queue", nil)
	})
	if err != nil {
		t.Fatalf("nested failed: %v", err)
	}
	if report == nil {
		t.Fatal("nested returned no report")
	}

	// The nested scope committed its own manifest.
	nestedPath, _ := NewScopePath("app", "prod", "workers")
	m, err := env.manager.InspectScope(ctx, nestedPath)
	if err != nil {
		t.Fatalf("nested manifest missing: %v", err)
	}
	if _, ok := m.Resources["queue"]; !ok {
		t.Error("nested resource not persisted")
	}

	rootReport, err := root.Finalize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rootReport.NestedScopesProcessed != 1 {
		t.Errorf("nested processed = %d, want 1", rootReport.NestedScopesProcessed)
	}
}

func TestScope_NestedFinalizesOnError(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Seed the nested scope with a previous run owning one resource.
	seed, _ := env.manager.CreateScope("app", "prod", "workers")
	seed.RegisterResource("stale", "queue", nil)
	if _, err := seed.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	root, _ := env.manager.CreateScope("app", "prod")
	boom := errors.New("provisioning failed")

	_, err := root.Nested(ctx, "workers", func(s *Scope) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error lost: %v", err)
	}

	// The child finalized despite the error: stale became an orphan and
	// was destroyed.
	if got := env.provider.attemptCount("stale"); got != 1 {
		t.Errorf("stale destroyed %d times, want 1", got)
	}
	nestedPath, _ := NewScopePath("app", "prod", "workers")
	m, merr := env.manager.InspectScope(ctx, nestedPath)
	if merr != nil {
		t.Fatal(merr)
	}
	if m.Version != 2 || len(m.Resources) != 0 {
		t.Errorf("nested manifest = v%d with %d resources, want empty v2", m.Version, len(m.Resources))
	}
}

func TestScope_TestScopeDestroysEverything(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	root, _ := env.manager.CreateScope("app", "ci")

	report, err := root.Test(ctx, "smoke", func(s *Scope) error {
		s.RegisterResource("tmp-db", "database", nil)
		s.RegisterResource("tmp-bucket", "bucket", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("test scope failed: %v", err)
	}
	if report.ResourcesDeleted != 2 {
		t.Errorf("deleted = %d, want 2 (everything the test registered)", report.ResourcesDeleted)
	}
	for _, id := range []string{"tmp-db", "tmp-bucket"} {
		if got := env.provider.attemptCount(id); got != 1 {
			t.Errorf("%s destroyed %d times, want 1", id, got)
		}
	}

	// Ephemeral scopes never persist.
	testPath, _ := NewScopePath("app", "ci", "smoke")
	if _, err := env.manager.InspectScope(ctx, testPath); !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("test scope wrote a manifest: %v", err)
	}
}

func TestScope_TestScopeDestroysOnCallbackError(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	root, _ := env.manager.CreateScope("app", "ci")
	boom := errors.New("assertion failed")

	_, err := root.Test(ctx, "smoke", func(s *Scope) error {
		s.RegisterResource("tmp-db", "database", nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error lost: %v", err)
	}
	if got := env.provider.attemptCount("tmp-db"); got != 1 {
		t.Errorf("resource leaked by failing test: destroyed %d times", got)
	}
}

func TestScope_NestedInsideTestIsEphemeral(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	root, _ := env.manager.CreateScope("app", "ci")

	_, err := root.Test(ctx, "smoke", func(s *Scope) error {
		_, nerr := s.Nested(ctx, "inner", func(inner *Scope) error {
			return inner.RegisterResource("tmp", "queue", nil)
		})
		return nerr
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := env.provider.attemptCount("tmp"); got != 1 {
		t.Errorf("inner resource destroyed %d times, want 1", got)
	}
	innerPath, _ := NewScopePath("app", "ci", "smoke", "inner")
	if _, err := env.manager.InspectScope(ctx, innerPath); !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("nested scope inside a test wrote a manifest: %v", err)
	}
}

func TestManager_ListScopes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	for _, segs := range [][]string{{"app", "prod"}, {"app", "prod", "workers"}, {"app", "staging"}} {
		scope, _ := env.manager.CreateScope(segs...)
		scope.RegisterResource("r", "database", nil)
		if _, err := scope.Finalize(ctx); err != nil {
			t.Fatal(err)
		}
	}

	appPath, _ := NewScopePath("app")
	paths, err := env.manager.ListScopes(ctx, appPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Errorf("scopes = %v, want 3", paths)
	}
}

func TestScope_DestroyScope(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	seed, _ := env.manager.CreateScope("app", "feature-123")
	seed.RegisterResource("db", "database", nil)
	seed.RegisterResource("bucket", "bucket", nil)
	if _, err := seed.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	scope, _ := env.manager.CreateScope("app", "feature-123")
	report, err := scope.DestroyScope(ctx)
	if err != nil {
		t.Fatalf("destroy scope failed: %v", err)
	}
	if report.ResourcesDeleted != 2 {
		t.Errorf("deleted = %d, want 2", report.ResourcesDeleted)
	}
	if _, err := env.manager.InspectScope(ctx, scope.Path()); !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("manifest survived teardown: %v", err)
	}
}

func TestScope_DestroyScopeRefusesChildren(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	child, _ := env.manager.CreateScope("app", "prod", "workers")
	child.RegisterResource("queue", "queue", nil)
	if _, err := child.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	parent, _ := env.manager.CreateScope("app", "prod")
	_, err := parent.DestroyScope(ctx)
	if !errors.Is(err, ErrScopeHasChildren) {
		t.Fatalf("expected ErrScopeHasChildren, got %v", err)
	}
}

func TestScope_DestroyScopePartialFailureKeepsSurvivors(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	seed, _ := env.manager.CreateScope("app", "feature-123")
	seed.RegisterResource("db", "database", nil)
	seed.RegisterResource("bucket", "bucket", nil)
	if _, err := seed.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	env.provider.fail["bucket"] = &ProviderError{ResourceID: "bucket", Cause: errors.New("not empty")}

	scope, _ := env.manager.CreateScope("app", "feature-123")
	report, err := scope.DestroyScope(ctx)
	if err != nil {
		t.Fatalf("destroy scope errored: %v", err)
	}
	if report.ResourcesDeleted != 1 || report.ResourcesFailed != 1 {
		t.Fatalf("deleted=%d failed=%d, want 1 and 1", report.ResourcesDeleted, report.ResourcesFailed)
	}

	// The survivor stays persisted for the next attempt.
	m, merr := env.manager.InspectScope(ctx, scope.Path())
	if merr != nil {
		t.Fatalf("manifest deleted despite failure: %v", merr)
	}
	if _, ok := m.Resources["bucket"]; !ok {
		t.Error("failed resource missing from surviving manifest")
	}
	if _, ok := m.Resources["db"]; ok {
		t.Error("destroyed resource still in surviving manifest")
	}
}
