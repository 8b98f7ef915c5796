package sweeper

import (
	"context"
)

// Store is the interface for persisting scope manifests.
// Implementations (filesystem, SQL, Postgres, Redis, memory) must be
// thread-safe. The store is unaware of resource semantics: it treats the
// manifest as an opaque versioned blob plus a numeric version for CAS.
//
// Lock enforcement is the caller's job. Save does not re-check lock
// ownership, so the store stays storage-agnostic; the version CAS is the
// last line of defense against lost updates.
type Store interface {
	// Load retrieves the manifest for a scope path.
	// Returns ErrManifestNotFound if no manifest has been persisted yet,
	// or ManifestCorruptError if the persisted blob cannot be decoded.
	Load(ctx context.Context, path ScopePath) (*Manifest, error)

	// Save persists the manifest using a compare-and-swap on version:
	// the write succeeds only if the persisted version equals
	// manifest.Version-1 (or nothing is persisted and Version is 1).
	// A stale version fails with ConflictError.
	Save(ctx context.Context, path ScopePath, manifest *Manifest) error

	// Delete removes the manifest for a scope path. Deleting a path with
	// no manifest is a no-op.
	Delete(ctx context.Context, path ScopePath) error

	// List returns the scope paths at or under prefix that currently have
	// a persisted manifest.
	List(ctx context.Context, prefix ScopePath) ([]ScopePath, error)
}
