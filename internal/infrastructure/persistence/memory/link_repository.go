// Package memory provides in-memory implementations of domain repositories.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/repositories"
)

// Ensure interface compliance
var _ repositories.LinkRepository = (*LinkRepository)(nil)

// LinkRepository keeps link definitions in a map.
// Useful for testing and for hosts that do not need links to survive a restart.
type LinkRepository struct {
	links map[links.Key]links.Definition
	mu    sync.RWMutex
}

// NewLinkRepository creates an empty repository.
func NewLinkRepository() *LinkRepository {
	return &LinkRepository{
		links: make(map[links.Key]links.Definition),
	}
}

// Save stores a copy of def, replacing any definition with the same key.
func (r *LinkRepository) Save(_ context.Context, def links.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def.Values = def.Values.Clone()
	r.links[def.Key()] = def
	return nil
}

// Delete removes the definition stored under key.
func (r *LinkRepository) Delete(_ context.Context, key links.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.links, key)
	return nil
}

// FindAll returns every stored definition ordered by key.
func (r *LinkRepository) FindAll(_ context.Context) ([]links.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]links.Definition, 0, len(r.links))
	for _, def := range r.links {
		def.Values = def.Values.Clone()
		out = append(out, def)
	}
	slices.SortFunc(out, func(a, b links.Definition) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out, nil
}
