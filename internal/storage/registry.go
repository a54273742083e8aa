package storage

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrBackendUnavailable is returned when no store is registered for a kind.
var ErrBackendUnavailable = errors.New("storage backend unavailable")

// Registry resolves a backend kind to its store. Sessions and files record
// their kind; the registry binds that kind back to a live store.
type Registry struct {
	mu     sync.RWMutex
	stores map[Kind]BlobStore
}

// NewRegistry creates a Registry holding the given stores.
func NewRegistry(stores ...BlobStore) *Registry {
	r := &Registry{stores: make(map[Kind]BlobStore, len(stores))}
	for _, s := range stores {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the store for s.Kind().
func (r *Registry) Register(s BlobStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Kind()] = s
}

// Get returns the store for kind.
func (r *Registry) Get(kind Kind) (BlobStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, kind)
	}
	return s, nil
}

// Has reports whether a store is registered for kind.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stores[kind]
	return ok
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.stores))
	for k := range r.stores {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Close closes every registered store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
