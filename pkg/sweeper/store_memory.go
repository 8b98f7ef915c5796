package sweeper

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple thread-safe map-based store for testing and
// local development. Data is lost on restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		manifests: make(map[string]*Manifest),
	}
}

func (s *InMemoryStore) Load(ctx context.Context, path ScopePath) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.manifests[path.String()]
	if !ok {
		return nil, ErrManifestNotFound
	}
	// Return a copy so callers cannot mutate persisted state.
	return m.Clone(), nil
}

func (s *InMemoryStore) Save(ctx context.Context, path ScopePath, manifest *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.manifests[path.String()]; ok {
		current = existing.Version
	}
	if manifest.Version != current+1 {
		return &ConflictError{ScopePath: path, Expected: manifest.Version, Found: current}
	}

	s.manifests[path.String()] = manifest.Clone()
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, path ScopePath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.manifests, path.String())
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, prefix ScopePath) ([]ScopePath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []ScopePath
	for _, m := range s.manifests {
		if m.ScopePath.HasPrefix(prefix) {
			paths = append(paths, append(ScopePath(nil), m.ScopePath...))
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
	return paths, nil
}
