// Package services contains domain services that coordinate domain objects.
package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/repositories"
)

type reverseKey struct {
	linkName   string
	providerID string
}

// LinkRegistry holds the forward map (actor, contract, link) -> definition and
// the reverse index (link, provider) -> sources. A single lock guards both maps,
// so readers never observe one updated without the other.
type LinkRegistry struct {
	mu      sync.RWMutex
	forward map[links.Key]links.Definition
	reverse map[reverseKey]map[links.Key]struct{}
	repo    repositories.LinkRepository
}

// NewLinkRegistry creates a registry. repo may be nil for a purely in-memory registry.
func NewLinkRegistry(repo repositories.LinkRepository) *LinkRegistry {
	return &LinkRegistry{
		forward: make(map[links.Key]links.Definition),
		reverse: make(map[reverseKey]map[links.Key]struct{}),
		repo:    repo,
	}
}

// Load replaces the in-memory state with the contents of the repository.
func (r *LinkRegistry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	defs, err := r.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load links: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.forward = make(map[links.Key]links.Definition, len(defs))
	r.reverse = make(map[reverseKey]map[links.Key]struct{})
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			continue
		}
		r.insertLocked(def)
	}
	return nil
}

// Add records a link. Re-adding an identical link is a no-op. A link whose key
// already targets a different provider is rejected with *links.ConflictError and
// the registry is left unchanged. The same provider with new values replaces them.
// It reports whether the registry changed.
func (r *LinkRegistry) Add(ctx context.Context, def links.Definition) (bool, error) {
	if err := def.Validate(); err != nil {
		return false, err
	}
	def.Values = def.Values.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.forward[def.Key()]; ok {
		if existing.ProviderID != def.ProviderID {
			return false, &links.ConflictError{
				Key:              def.Key(),
				ExistingProvider: existing.ProviderID,
				RequestProvider:  def.ProviderID,
			}
		}
		if existing.Values.Equal(def.Values) {
			return false, nil
		}
	}

	if r.repo != nil {
		if err := r.repo.Save(ctx, def); err != nil {
			return false, fmt.Errorf("failed to persist link %s: %w", def.Key(), err)
		}
	}
	r.insertLocked(def)
	return true, nil
}

// Remove deletes the links for actorID and linkName. When contractID is empty,
// links for every contract under that actor and link name are removed.
// It returns the removed definitions; removing nothing is not an error.
func (r *LinkRegistry) Remove(ctx context.Context, actorID, contractID, linkName string) ([]links.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []links.Definition
	if contractID != "" {
		if def, ok := r.forward[links.Key{ActorID: actorID, ContractID: contractID, LinkName: linkName}]; ok {
			matched = append(matched, def)
		}
	} else {
		for key, def := range r.forward {
			if key.ActorID == actorID && key.LinkName == linkName {
				matched = append(matched, def)
			}
		}
		sortDefinitions(matched)
	}

	removed := make([]links.Definition, 0, len(matched))
	for _, def := range matched {
		if r.repo != nil {
			if err := r.repo.Delete(ctx, def.Key()); err != nil {
				return removed, fmt.Errorf("failed to delete link %s: %w", def.Key(), err)
			}
		}
		r.deleteLocked(def)
		removed = append(removed, def)
	}
	return removed, nil
}

// FindProvider returns the provider bound to the given source key.
func (r *LinkRegistry) FindProvider(actorID, contractID, linkName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.forward[links.Key{ActorID: actorID, ContractID: contractID, LinkName: linkName}]
	return def.ProviderID, ok
}

// Get returns the full definition for key.
func (r *LinkRegistry) Get(key links.Key) (links.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.forward[key]
	if ok {
		def.Values = def.Values.Clone()
	}
	return def, ok
}

// FindLinks returns every source bound to providerID under linkName, sorted by actor id.
func (r *LinkRegistry) FindLinks(linkName, providerID string) []links.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.reverse[reverseKey{linkName: linkName, providerID: providerID}]
	out := make([]links.Binding, 0, len(keys))
	for key := range keys {
		def := r.forward[key]
		out = append(out, links.Binding{ActorID: def.ActorID, ContractID: def.ContractID, Values: def.Values.Clone()})
	}
	slices.SortFunc(out, func(a, b links.Binding) int {
		return cmp.Or(cmp.Compare(a.ActorID, b.ActorID), cmp.Compare(a.ContractID, b.ContractID))
	})
	return out
}

// ForProvider returns the full definitions bound to providerID under linkName.
func (r *LinkRegistry) ForProvider(linkName, providerID string) []links.Definition {
	bindings := r.FindLinks(linkName, providerID)
	out := make([]links.Definition, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, links.Definition{
			ActorID:    b.ActorID,
			ContractID: b.ContractID,
			LinkName:   linkName,
			ProviderID: providerID,
			Values:     b.Values,
		})
	}
	return out
}

// All returns a snapshot of every link, sorted by key.
func (r *LinkRegistry) All() []links.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]links.Definition, 0, len(r.forward))
	for _, def := range r.forward {
		def.Values = def.Values.Clone()
		out = append(out, def)
	}
	sortDefinitions(out)
	return out
}

// Len returns the number of links.
func (r *LinkRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}

func (r *LinkRegistry) insertLocked(def links.Definition) {
	key := def.Key()
	if old, ok := r.forward[key]; ok {
		r.deleteLocked(old)
	}
	r.forward[key] = def

	rk := reverseKey{linkName: def.LinkName, providerID: def.ProviderID}
	if r.reverse[rk] == nil {
		r.reverse[rk] = make(map[links.Key]struct{})
	}
	r.reverse[rk][key] = struct{}{}
}

func (r *LinkRegistry) deleteLocked(def links.Definition) {
	key := def.Key()
	delete(r.forward, key)

	rk := reverseKey{linkName: def.LinkName, providerID: def.ProviderID}
	if sources, ok := r.reverse[rk]; ok {
		delete(sources, key)
		if len(sources) == 0 {
			delete(r.reverse, rk)
		}
	}
}

func sortDefinitions(defs []links.Definition) {
	slices.SortFunc(defs, func(a, b links.Definition) int {
		return cmp.Or(
			cmp.Compare(a.ActorID, b.ActorID),
			cmp.Compare(a.ContractID, b.ContractID),
			cmp.Compare(a.LinkName, b.LinkName),
		)
	})
}
