package sweeper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScopePath is an ordered sequence of path segments (application name, stage
// name, zero or more nested-scope names). It is immutable once created and
// uniquely identifies one manifest in the store and one entry in the lock
// namespace.
type ScopePath []string

// NewScopePath validates segments and returns a ScopePath.
// Segments must be non-empty and must not contain the path separator.
func NewScopePath(segments ...string) (ScopePath, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("scope path requires at least one segment")
	}
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("scope path segment must not be empty")
		}
		if strings.Contains(seg, "/") {
			return nil, fmt.Errorf("scope path segment %q must not contain '/'", seg)
		}
	}
	path := make(ScopePath, len(segments))
	copy(path, segments)
	return path, nil
}

// String renders the path as "app/stage/nested".
func (p ScopePath) String() string {
	return strings.Join(p, "/")
}

// Child returns a new path with name appended. The receiver is not modified.
func (p ScopePath) Child(name string) ScopePath {
	child := make(ScopePath, len(p), len(p)+1)
	copy(child, p)
	return append(child, name)
}

// HasPrefix reports whether p is prefix itself or a descendant of it.
func (p ScopePath) HasPrefix(prefix ScopePath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports whether two paths have identical segments.
func (p ScopePath) Equal(other ScopePath) bool {
	if len(p) != len(other) {
		return false
	}
	for i, seg := range p {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// ResourceRecord describes one external resource owned by a scope.
// The id is the key of the manifest's resource map; it is carried on the
// record for convenience but not serialized twice.
type ResourceRecord struct {
	ID               string         `json:"-"`
	Kind             string         `json:"kind"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Manifest is the persisted unit: one scope's last-known resource set.
// Version strictly increases on every successful write and drives the
// store's compare-and-swap.
type Manifest struct {
	ScopePath   ScopePath                 `json:"scopePath"`
	Version     int64                     `json:"version"`
	LastUpdated time.Time                 `json:"lastUpdated"`
	Resources   map[string]ResourceRecord `json:"resources"`
}

// NewManifest creates an empty manifest at version 0 (never written).
func NewManifest(path ScopePath) *Manifest {
	return &Manifest{
		ScopePath: path,
		Resources: make(map[string]ResourceRecord),
	}
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate persisted state through shared maps.
func (m *Manifest) Clone() *Manifest {
	clone := &Manifest{
		ScopePath:   append(ScopePath(nil), m.ScopePath...),
		Version:     m.Version,
		LastUpdated: m.LastUpdated,
		Resources:   make(map[string]ResourceRecord, len(m.Resources)),
	}
	for id, rec := range m.Resources {
		clone.Resources[id] = cloneRecord(rec)
	}
	return clone
}

func cloneRecord(rec ResourceRecord) ResourceRecord {
	out := rec
	if rec.ProviderMetadata != nil {
		out.ProviderMetadata = make(map[string]any, len(rec.ProviderMetadata))
		for k, v := range rec.ProviderMetadata {
			out.ProviderMetadata[k] = v
		}
	}
	return out
}

// encodeManifest serializes a manifest to its canonical JSON layout.
func encodeManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest for scope %s: %w", m.ScopePath, err)
	}
	return data, nil
}

// decodeManifest parses a persisted manifest. An unreadable blob yields
// ManifestCorruptError so callers can route to backup recovery.
func decodeManifest(path ScopePath, data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, &ManifestCorruptError{ScopePath: path, Cause: err}
	}
	if m.Resources == nil {
		m.Resources = make(map[string]ResourceRecord)
	}
	// Repopulate the convenience ID field from map keys.
	for id, rec := range m.Resources {
		rec.ID = id
		m.Resources[id] = rec
	}
	return m, nil
}
