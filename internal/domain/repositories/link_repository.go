// Package repositories defines interfaces for domain persistence.
package repositories

import (
	"context"

	"github.com/reglet-dev/latticed/internal/domain/links"
)

// LinkRepository persists link definitions so they survive host restarts.
type LinkRepository interface {
	// Save inserts or replaces a link definition by its key.
	Save(ctx context.Context, def links.Definition) error

	// Delete removes the link definition with the given key. Deleting a
	// missing key is not an error.
	Delete(ctx context.Context, key links.Key) error

	// FindAll returns every stored link definition.
	FindAll(ctx context.Context) ([]links.Definition, error)
}
