package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/votoclaro/electsync/internal/models"
)

// PostgresCatalogRepository reads and maintains the reference tables the
// resolver matches against.
type PostgresCatalogRepository struct {
	db *sql.DB
}

// NewPostgresCatalogRepository creates a new PostgreSQL-based catalog repository.
func NewPostgresCatalogRepository(db *sql.DB) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{db: db}
}

// ListParties returns all parties ordered by name.
func (r *PostgresCatalogRepository) ListParties(ctx context.Context) ([]models.Party, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, short_name, aliases, created_at FROM parties ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	defer rows.Close()

	var parties []models.Party
	for rows.Next() {
		var p models.Party
		if err := rows.Scan(&p.ID, &p.Name, &p.ShortName, pq.Array(&p.Aliases), &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// ListDistricts returns all districts ordered by name.
func (r *PostgresCatalogRepository) ListDistricts(ctx context.Context) ([]models.District, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, aliases, created_at FROM districts ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list districts: %w", err)
	}
	defer rows.Close()

	var districts []models.District
	for rows.Next() {
		var d models.District
		if err := rows.Scan(&d.ID, &d.Name, pq.Array(&d.Aliases), &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan district: %w", err)
		}
		districts = append(districts, d)
	}
	return districts, rows.Err()
}

// ListCandidateEntries returns candidate names as resolver catalog entries.
func (r *PostgresCatalogRepository) ListCandidateEntries(ctx context.Context) ([]models.CatalogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, full_name FROM candidates ORDER BY name_key, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		var e models.CatalogEntry
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertParty inserts a party or refreshes its short name and aliases.
func (r *PostgresCatalogRepository) UpsertParty(ctx context.Context, p models.Party) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO parties (id, name, short_name, aliases, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			short_name = EXCLUDED.short_name,
			aliases = EXCLUDED.aliases
	`, p.ID, p.Name, p.ShortName, pq.Array(p.Aliases), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert party: %w", err)
	}
	return nil
}

// UpsertDistrict inserts a district or refreshes its aliases.
func (r *PostgresCatalogRepository) UpsertDistrict(ctx context.Context, d models.District) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO districts (id, name, aliases, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET aliases = EXCLUDED.aliases
	`, d.ID, d.Name, pq.Array(d.Aliases), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert district: %w", err)
	}
	return nil
}
