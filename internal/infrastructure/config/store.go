// Package config holds named configuration maps and the per-provider bundles
// that merge them.
package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
)

// Store holds named configuration maps. Bundles created from a store are
// refreshed whenever an entry they reference changes.
type Store struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
	bundles map[*Bundle]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]map[string]string),
		bundles: make(map[*Bundle]struct{}),
	}
}

// Put creates or replaces the named entry.
func (s *Store) Put(_ context.Context, name string, values map[string]string) error {
	if name == "" {
		return apperrors.NewValidationError("config_name", "config name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = maps.Clone(values)
	s.refreshLocked(name)
	return nil
}

// Delete removes the named entry. It reports whether the entry existed.
func (s *Store) Delete(_ context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	s.refreshLocked(name)
	return true
}

// Get returns a copy of the named entry.
func (s *Store) Get(name string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[name]
	return maps.Clone(v), ok
}

// Names returns every entry name in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.entries))
}

// Bundle returns a live merge of the named entries. Missing names are allowed
// and contribute nothing until they are created.
func (s *Store) Bundle(names ...string) *Bundle {
	b := &Bundle{
		store:   s,
		names:   slices.Clone(names),
		changed: make(chan struct{}, 1),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b.values = s.mergeLocked(b.names)
	s.bundles[b] = struct{}{}
	return b
}

// Bundles reports how many bundles are still attached to the store.
func (s *Store) Bundles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}

func (s *Store) refreshLocked(name string) {
	for b := range s.bundles {
		if slices.Contains(b.names, name) {
			b.update(s.mergeLocked(b.names))
		}
	}
}

// mergeLocked applies entries in order, so later names override earlier ones.
func (s *Store) mergeLocked(names []string) map[string]string {
	out := make(map[string]string)
	for _, n := range names {
		maps.Copy(out, s.entries[n])
	}
	return out
}

func (s *Store) release(b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, b)
}

// Bundle is the merged configuration handed to one provider.
type Bundle struct {
	store   *Store
	names   []string
	changed chan struct{}

	mu     sync.RWMutex
	values map[string]string
}

// Names returns the entry names the bundle merges.
func (b *Bundle) Names() []string {
	return slices.Clone(b.names)
}

// Snapshot returns a copy of the current merged values.
func (b *Bundle) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.values)
}

// Changed is signalled after the merged values change. Signals coalesce: a
// reader that falls behind sees one signal and reads the latest snapshot.
func (b *Bundle) Changed() <-chan struct{} {
	return b.changed
}

// Close detaches the bundle from its store.
func (b *Bundle) Close() {
	b.store.release(b)
}

func (b *Bundle) update(values map[string]string) {
	b.mu.Lock()
	same := maps.Equal(b.values, values)
	b.values = values
	b.mu.Unlock()
	if same {
		return
	}
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// String describes the bundle for logs.
func (b *Bundle) String() string {
	return fmt.Sprintf("config bundle %v", b.names)
}
