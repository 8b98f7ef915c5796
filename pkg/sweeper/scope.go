// Package sweeper tracks which external resources a deployment should have,
// persists that knowledge between runs, and safely deletes resources that
// disappear from the declared configuration.
//
// The caller builds a scope tree top-down (application, stage, nested
// blocks), declaring resources into each scope. On finalize, each scope
// diffs the declared set against its persisted manifest, destroys the
// orphans through the provider, and commits the new manifest under a
// per-scope lock with a version compare-and-swap.
package sweeper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manager wires a Store, a Locker, and a Provider together and hands out
// scopes. A single Manager can serve many concurrent scope trees; finalizes
// on different scope paths never contend with each other.
type Manager struct {
	store    Store
	locker   Locker
	provider Provider
	observer Observer

	holderID string
	lockTTL  time.Duration
	defaults finalizeConfig
}

// NewManager creates a Manager. The store persists manifests, the locker
// serializes finalizes per scope path, and the provider destroys orphaned
// resources.
func NewManager(store Store, locker Locker, provider Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		locker:   locker,
		provider: provider,
		observer: NoOpObserver{},
		holderID: randomHolderID(),
		lockTTL:  30 * time.Second,
		defaults: defaultFinalizeConfig(),
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// CreateScope returns a root scope for the given path segments
// (application name, stage name, ...). The root scope requires an explicit
// Finalize call; nested and test scopes finalize automatically when their
// block returns.
func (m *Manager) CreateScope(segments ...string) (*Scope, error) {
	path, err := NewScopePath(segments...)
	if err != nil {
		return nil, err
	}
	return &Scope{
		manager:  m,
		path:     path,
		declared: make(map[string]ResourceRecord),
	}, nil
}

// ListScopes returns every scope path at or under appPath that has a
// persisted manifest.
func (m *Manager) ListScopes(ctx context.Context, appPath ScopePath) ([]ScopePath, error) {
	return m.store.List(ctx, appPath)
}

// InspectScope loads the persisted manifest for a scope path without
// taking the lock. The result is a snapshot; it may be superseded by a
// concurrent finalize.
func (m *Manager) InspectScope(ctx context.Context, path ScopePath) (*Manifest, error) {
	return m.store.Load(ctx, path)
}

func randomHolderID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("holder-%d", time.Now().UnixNano())
	}
	return "holder-" + hex.EncodeToString(buf)
}

// Report summarizes one finalize.
type Report struct {
	ScopePath ScopePath

	ResourcesDeleted      int
	ResourcesFailed       int
	NestedScopesProcessed int
	Duration              time.Duration

	// Errors holds one entry per resource that failed all its retries.
	Errors []error

	// Plan is the computed diff. With dry run this is the whole result:
	// state is left untouched.
	Plan *Plan

	DryRun bool
}

// Scope is one level of the hierarchy. It collects the resource ids
// declared during this run; nothing is persisted until Finalize succeeds.
//
// A Scope is safe for concurrent registration from multiple goroutines.
type Scope struct {
	manager *Manager
	path    ScopePath
	parent  *Scope

	// ephemeral scopes (tests) never persist: finalize destroys every
	// registered resource regardless of diff, then discards state.
	ephemeral bool

	mu              sync.Mutex
	declared        map[string]ResourceRecord
	finalized       bool
	nestedProcessed int
}

// Path returns the scope's path.
func (s *Scope) Path() ScopePath {
	return s.path
}

// RegisterResource adds a resource to this run's declared set.
// Fails with DuplicateResourceError if the id was already registered in this
// scope during this run; sibling scopes may reuse ids freely.
func (s *Scope) RegisterResource(id, kind string, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("resource id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("scope %s: %w", s.path, ErrScopeFinalized)
	}
	if _, ok := s.declared[id]; ok {
		return &DuplicateResourceError{ScopePath: s.path, ResourceID: id}
	}
	s.declared[id] = ResourceRecord{
		ID:               id,
		Kind:             kind,
		ProviderMetadata: metadata,
		CreatedAt:        time.Now().UTC(),
	}
	return nil
}

// HasResource reports whether id was registered in this scope this run.
func (s *Scope) HasResource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.declared[id]
	return ok
}

// RefreshMetadata replaces the provider metadata of an already-registered
// resource. The reconciler diffs presence only, so this never triggers a
// destroy; the new metadata is simply persisted at finalize.
func (s *Scope) RefreshMetadata(id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.declared[id]
	if !ok {
		return fmt.Errorf("scope %s, resource %q: %w", s.path, id, ErrUnknownResource)
	}
	rec.ProviderMetadata = metadata
	s.declared[id] = rec
	return nil
}

func (s *Scope) child(name string, ephemeral bool) *Scope {
	return &Scope{
		manager:   s.manager,
		path:      s.path.Child(name),
		parent:    s,
		ephemeral: s.ephemeral || ephemeral,
		declared:  make(map[string]ResourceRecord),
	}
}

func (s *Scope) noteNestedProcessed() {
	s.mu.Lock()
	s.nestedProcessed++
	s.mu.Unlock()
}

// Nested runs fn against a child scope and finalizes it when fn returns —
// on success, on error, and on panic alike. This is the structured
// completion construct: nested scopes cannot leak an unfinalized declared
// set.
func (s *Scope) Nested(ctx context.Context, name string, fn func(*Scope) error, opts ...FinalizeOption) (report *Report, err error) {
	child := s.child(name, false)
	defer func() {
		r, ferr := child.Finalize(ctx, opts...)
		if report == nil {
			report = r
		}
		if ferr != nil {
			err = errors.Join(err, ferr)
		}
		s.noteNestedProcessed()
	}()
	err = fn(child)
	return report, err
}

// Test runs fn against an ephemeral scope. The scope behaves like a nested
// scope but its manifest is never persisted: finalize destroys every
// resource registered during the test regardless of any diff, then discards
// the state.
func (s *Scope) Test(ctx context.Context, name string, fn func(*Scope) error, opts ...FinalizeOption) (report *Report, err error) {
	child := s.child(name, true)
	defer func() {
		r, ferr := child.Finalize(ctx, opts...)
		if report == nil {
			report = r
		}
		if ferr != nil {
			err = errors.Join(err, ferr)
		}
		s.noteNestedProcessed()
	}()
	err = fn(child)
	return report, err
}

// Finalize reconciles the declared set against the persisted manifest,
// destroys orphans through the provider, and commits the new manifest.
//
// The scope lock is held from before the manifest load until after the
// save. Destroy calls complete (successfully or with a recorded failure)
// before the save begins, so a crash between destroy and save can only
// cause an idempotent re-destroy on the next run, never data loss.
func (s *Scope) Finalize(ctx context.Context, opts ...FinalizeOption) (*Report, error) {
	cfg := s.manager.defaults
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil, fmt.Errorf("scope %s: %w", s.path, ErrScopeFinalized)
	}
	declared := make(map[string]ResourceRecord, len(s.declared))
	for id, rec := range s.declared {
		declared[id] = rec
	}
	nested := s.nestedProcessed
	s.mu.Unlock()

	if s.ephemeral {
		return s.finalizeEphemeral(ctx, cfg, declared, nested)
	}
	return s.finalizePersistent(ctx, cfg, declared, nested)
}

func (s *Scope) finalizePersistent(ctx context.Context, cfg finalizeConfig, declared map[string]ResourceRecord, nested int) (*Report, error) {
	m := s.manager
	start := time.Now()

	lockStart := time.Now()
	lockErr := acquireLock(ctx, m.locker, s.path, m.holderID, m.lockTTL, cfg.lockTimeout)
	m.observer.OnLockAcquired(ctx, &LockEvent{
		ScopePath: s.path,
		HolderID:  m.holderID,
		Wait:      time.Since(lockStart),
		Acquired:  lockErr == nil,
	})
	if lockErr != nil {
		return nil, lockErr
	}
	defer m.locker.Release(context.WithoutCancel(ctx), s.path, m.holderID)

	m.observer.OnFinalizeStart(ctx, &FinalizeStartEvent{
		ScopePath: s.path,
		Declared:  len(declared),
		DryRun:    cfg.dryRun,
	})

	previous, err := m.store.Load(ctx, s.path)
	if err != nil {
		if !errors.Is(err, ErrManifestNotFound) {
			m.observer.OnFinalizeEnd(ctx, &FinalizeEndEvent{
				ScopePath: s.path, Duration: time.Since(start), DryRun: cfg.dryRun, Error: err,
			})
			return nil, err
		}
		previous = nil
	}

	plan := reconcile(s.path, declared, previous)
	report := &Report{
		ScopePath:             s.path,
		NestedScopesProcessed: nested,
		Plan:                  plan,
		DryRun:                cfg.dryRun,
	}

	if cfg.dryRun {
		report.Duration = time.Since(start)
		m.observer.OnFinalizeEnd(ctx, &FinalizeEndEvent{
			ScopePath: s.path, Duration: report.Duration, DryRun: true,
		})
		return report, nil
	}

	outcome := s.destroyer(cfg).run(ctx, plan.Orphans)
	report.ResourcesDeleted = len(outcome.deleted)
	report.ResourcesFailed = len(outcome.failed)
	for _, f := range outcome.failed {
		report.Errors = append(report.Errors, f.err)
	}

	next := s.nextManifest(plan, outcome, previous)
	if err := m.store.Save(ctx, s.path, next); err != nil {
		report.Duration = time.Since(start)
		m.observer.OnFinalizeEnd(ctx, &FinalizeEndEvent{
			ScopePath: s.path,
			Deleted:   report.ResourcesDeleted,
			Failed:    report.ResourcesFailed,
			Duration:  report.Duration,
			Error:     err,
		})
		return nil, err
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	report.Duration = time.Since(start)
	m.observer.OnFinalizeEnd(ctx, &FinalizeEndEvent{
		ScopePath: s.path,
		Deleted:   report.ResourcesDeleted,
		Failed:    report.ResourcesFailed,
		Duration:  report.Duration,
	})
	return report, nil
}

// nextManifest builds the manifest to commit: additions and kept resources
// from the declared set, plus every orphan that was not destroyed (failed or
// never attempted) so the next run sees it as an orphan again.
func (s *Scope) nextManifest(plan *Plan, outcome *destroyOutcome, previous *Manifest) *Manifest {
	next := NewManifest(s.path)
	next.Version = 1
	if previous != nil {
		next.Version = previous.Version + 1
	}
	next.LastUpdated = time.Now().UTC()

	for _, rec := range plan.Additions {
		next.Resources[rec.ID] = rec
	}
	for _, rec := range plan.Kept {
		next.Resources[rec.ID] = rec
	}
	destroyed := make(map[string]bool, len(outcome.deleted))
	for _, rec := range outcome.deleted {
		destroyed[rec.ID] = true
	}
	for _, rec := range plan.Orphans {
		if !destroyed[rec.ID] {
			next.Resources[rec.ID] = rec
		}
	}
	return next
}

// finalizeEphemeral destroys everything the test scope registered.
// No lock, no manifest: the scope never touches the store.
func (s *Scope) finalizeEphemeral(ctx context.Context, cfg finalizeConfig, declared map[string]ResourceRecord, nested int) (*Report, error) {
	m := s.manager
	start := time.Now()

	orphans := make([]ResourceRecord, 0, len(declared))
	for _, rec := range declared {
		orphans = append(orphans, rec)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })

	plan := &Plan{ScopePath: s.path, Orphans: orphans}
	report := &Report{
		ScopePath:             s.path,
		NestedScopesProcessed: nested,
		Plan:                  plan,
		DryRun:                cfg.dryRun,
	}

	m.observer.OnFinalizeStart(ctx, &FinalizeStartEvent{
		ScopePath: s.path,
		Declared:  len(declared),
		DryRun:    cfg.dryRun,
	})

	if !cfg.dryRun {
		outcome := s.destroyer(cfg).run(ctx, orphans)
		report.ResourcesDeleted = len(outcome.deleted)
		report.ResourcesFailed = len(outcome.failed)
		for _, f := range outcome.failed {
			report.Errors = append(report.Errors, f.err)
		}
	}

	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()

	report.Duration = time.Since(start)
	m.observer.OnFinalizeEnd(ctx, &FinalizeEndEvent{
		ScopePath: s.path,
		Deleted:   report.ResourcesDeleted,
		Failed:    report.ResourcesFailed,
		Duration:  report.Duration,
		DryRun:    cfg.dryRun,
	})
	return report, nil
}

func (s *Scope) destroyer(cfg finalizeConfig) *destroyer {
	return &destroyer{
		provider:        s.manager.provider,
		observer:        s.manager.observer,
		path:            s.path,
		strategy:        cfg.strategy,
		batchSize:       cfg.batchSize,
		maxRetries:      cfg.maxRetries,
		retryDelay:      cfg.retryDelay,
		continueOnError: cfg.continueOnError,
	}
}

// DestroyScope tears a scope down entirely: every resource in the persisted
// manifest is destroyed and the manifest itself is deleted. Fails with
// ErrScopeHasChildren while nested scopes still have persisted manifests.
func (s *Scope) DestroyScope(ctx context.Context, opts ...FinalizeOption) (*Report, error) {
	cfg := s.manager.defaults
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	m := s.manager
	start := time.Now()

	lockStart := time.Now()
	lockErr := acquireLock(ctx, m.locker, s.path, m.holderID, m.lockTTL, cfg.lockTimeout)
	m.observer.OnLockAcquired(ctx, &LockEvent{
		ScopePath: s.path,
		HolderID:  m.holderID,
		Wait:      time.Since(lockStart),
		Acquired:  lockErr == nil,
	})
	if lockErr != nil {
		return nil, lockErr
	}
	defer m.locker.Release(context.WithoutCancel(ctx), s.path, m.holderID)

	children, err := m.store.List(ctx, s.path)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if !child.Equal(s.path) {
			return nil, fmt.Errorf("scope %s: %w (%s)", s.path, ErrScopeHasChildren, child)
		}
	}

	previous, err := m.store.Load(ctx, s.path)
	if errors.Is(err, ErrManifestNotFound) {
		return &Report{ScopePath: s.path, Duration: time.Since(start), DryRun: cfg.dryRun}, nil
	}
	if err != nil {
		return nil, err
	}

	plan := reconcile(s.path, nil, previous)
	report := &Report{ScopePath: s.path, Plan: plan, DryRun: cfg.dryRun}

	if cfg.dryRun {
		report.Duration = time.Since(start)
		return report, nil
	}

	outcome := s.destroyer(cfg).run(ctx, plan.Orphans)
	report.ResourcesDeleted = len(outcome.deleted)
	report.ResourcesFailed = len(outcome.failed)
	for _, f := range outcome.failed {
		report.Errors = append(report.Errors, f.err)
	}

	if report.ResourcesFailed == 0 && len(outcome.deleted) == len(plan.Orphans) {
		if err := m.store.Delete(ctx, s.path); err != nil {
			return report, err
		}
		report.Duration = time.Since(start)
		return report, nil
	}

	// Some resources survived: persist them so the next attempt retries.
	next := s.nextManifest(plan, outcome, previous)
	if err := m.store.Save(ctx, s.path, next); err != nil {
		return report, err
	}
	report.Duration = time.Since(start)
	return report, nil
}
