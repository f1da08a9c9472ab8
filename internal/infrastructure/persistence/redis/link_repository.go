// Package redis stores link definitions in a Redis hash so every host of a
// lattice can share them.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/repositories"
)

var _ repositories.LinkRepository = (*LinkRepository)(nil)

// LinkRepository keeps one JSON-encoded definition per hash field, keyed by
// the link key, under lattice:{lattice}:links.
type LinkRepository struct {
	client redis.UniversalClient
	key    string
}

// NewLinkRepository creates a repository for lattice using client.
func NewLinkRepository(client redis.UniversalClient, lattice string) *LinkRepository {
	return &LinkRepository{client: client, key: fmt.Sprintf("lattice:%s:links", lattice)}
}

// Dial connects to the Redis server at addr and checks that it answers.
func Dial(ctx context.Context, addr, password string, db int, lattice string) (*LinkRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewLinkRepository(client, lattice), nil
}

// Save writes def under its key.
func (r *LinkRepository) Save(ctx context.Context, def links.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode link %s: %w", def.Key(), err)
	}
	if err := r.client.HSet(ctx, r.key, def.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("failed to save link %s: %w", def.Key(), err)
	}
	return nil
}

// Delete removes the field for key.
func (r *LinkRepository) Delete(ctx context.Context, key links.Key) error {
	if err := r.client.HDel(ctx, r.key, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", key, err)
	}
	return nil
}

// FindAll reads the whole hash. Fields that fail to decode are skipped.
func (r *LinkRepository) FindAll(ctx context.Context) ([]links.Definition, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	out := make([]links.Definition, 0, len(fields))
	for field, raw := range fields {
		var def links.Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			continue
		}
		if def.Key().String() != field {
			continue
		}
		out = append(out, def)
	}
	slices.SortFunc(out, func(a, b links.Definition) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	return out, nil
}

// Close closes the client.
func (r *LinkRepository) Close() error {
	return r.client.Close()
}
