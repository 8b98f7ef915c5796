package sweeper

import (
	"errors"
	"fmt"
	"time"
)

// DuplicateResourceError is returned when the same resource id is registered
// twice in one scope during a single run. Sibling scopes may reuse ids freely;
// ids are scope-local.
type DuplicateResourceError struct {
	ScopePath  ScopePath
	ResourceID string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %q already registered in scope %s", e.ResourceID, e.ScopePath)
}

// ConflictError is returned by Store.Save when the persisted manifest version
// has advanced since the caller loaded it. The caller must reload and retry
// the whole finalize; Save never silently overwrites.
type ConflictError struct {
	ScopePath ScopePath

	// Expected is the version the caller tried to write.
	Expected int64

	// Found is the version currently persisted (0 if none).
	Found int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("manifest version conflict for scope %s: tried to write version %d, store has %d",
		e.ScopePath, e.Expected, e.Found)
}

// LockTimeoutError is returned when the scope lock could not be acquired
// within the configured timeout. The finalize is aborted entirely; it is
// never retried automatically.
type LockTimeoutError struct {
	ScopePath ScopePath
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock for scope %s within %v", e.ScopePath, e.Timeout)
}

// ProviderError represents a failure reported by a resource provider's
// destroy call.
type ProviderError struct {
	// ResourceID identifies the resource the provider failed to destroy.
	ResourceID string

	// Retryable indicates a transient condition (rate limit, timeout)
	// that should be retried per the configured policy.
	Retryable bool

	// NotFound indicates the resource no longer exists. Deletion is
	// idempotent, so a not-found destroy counts as success.
	NotFound bool

	// Cause is the underlying provider error.
	Cause error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider destroy failed for %q: %v", e.ResourceID, e.Cause)
	}
	return fmt.Sprintf("provider destroy failed for %q", e.ResourceID)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ManifestCorruptError indicates the persisted manifest could not be decoded.
// This is fatal for the scope; recovery goes through a backup snapshot.
type ManifestCorruptError struct {
	ScopePath ScopePath
	Cause     error
}

func (e *ManifestCorruptError) Error() string {
	return fmt.Sprintf("manifest for scope %s is corrupt: %v", e.ScopePath, e.Cause)
}

func (e *ManifestCorruptError) Unwrap() error {
	return e.Cause
}

// Common sentinel errors
var (
	// ErrManifestNotFound is returned by Store.Load when no manifest has
	// been persisted for the scope path (first run).
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrScopeFinalized is returned when a resource is registered on a
	// scope whose finalize has already run.
	ErrScopeFinalized = errors.New("scope already finalized")

	// ErrScopeHasChildren is returned by DestroyScope when nested scopes
	// still have persisted manifests.
	ErrScopeHasChildren = errors.New("scope has child manifests")

	// ErrUnknownResource is returned when refreshing metadata for an id
	// that was never registered in this run.
	ErrUnknownResource = errors.New("resource not registered in this run")
)

// IsRetryable reports whether err is a provider error marked retryable.
func IsRetryable(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Retryable
}

// IsNotFound reports whether err is a provider error for an already-gone
// resource.
func IsNotFound(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.NotFound
}
