// Package sqlite stores link definitions in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/repositories"

	_ "modernc.org/sqlite"
)

var _ repositories.LinkRepository = (*LinkRepository)(nil)

// LinkRepository persists link definitions in a single table keyed by
// (actor_id, contract_id, link_name).
type LinkRepository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(ctx context.Context, path string) (*LinkRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open link database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	repo, err := NewLinkRepository(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// NewLinkRepository wraps an open database, creating the table if needed.
func NewLinkRepository(ctx context.Context, db *sql.DB) (*LinkRepository, error) {
	r := &LinkRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate link database: %w", err)
	}
	return r, nil
}

func (r *LinkRepository) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS link_definitions (
		actor_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		link_name TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		link_values JSON NOT NULL DEFAULT '{}',
		PRIMARY KEY (actor_id, contract_id, link_name)
	);`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Save inserts or replaces def.
func (r *LinkRepository) Save(ctx context.Context, def links.Definition) error {
	values, err := def.MarshalValues()
	if err != nil {
		return fmt.Errorf("failed to encode link values: %w", err)
	}
	query := `INSERT INTO link_definitions (actor_id, contract_id, link_name, provider_id, link_values)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (actor_id, contract_id, link_name)
	DO UPDATE SET provider_id = excluded.provider_id, link_values = excluded.link_values`
	if _, err := r.db.ExecContext(ctx, query, def.ActorID, def.ContractID, def.LinkName, def.ProviderID, string(values)); err != nil {
		return fmt.Errorf("failed to save link %s: %w", def.Key(), err)
	}
	return nil
}

// Delete removes the link stored under key.
func (r *LinkRepository) Delete(ctx context.Context, key links.Key) error {
	query := `DELETE FROM link_definitions WHERE actor_id = ? AND contract_id = ? AND link_name = ?`
	if _, err := r.db.ExecContext(ctx, query, key.ActorID, key.ContractID, key.LinkName); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", key, err)
	}
	return nil
}

// FindAll returns every stored link ordered by key.
func (r *LinkRepository) FindAll(ctx context.Context) ([]links.Definition, error) {
	query := `SELECT actor_id, contract_id, link_name, provider_id, link_values
	FROM link_definitions
	ORDER BY actor_id, contract_id, link_name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []links.Definition
	for rows.Next() {
		var (
			def    links.Definition
			values string
		)
		if err := rows.Scan(&def.ActorID, &def.ContractID, &def.LinkName, &def.ProviderID, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &def.Values); err != nil {
			return nil, fmt.Errorf("failed to decode values of link %s: %w", def.Key(), err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (r *LinkRepository) Close() error {
	return r.db.Close()
}
