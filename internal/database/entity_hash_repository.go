package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/votoclaro/electsync/internal/models"
)

// PostgresEntityHashRepository stores change-detection fingerprints.
type PostgresEntityHashRepository struct {
	db *sql.DB
}

// NewPostgresEntityHashRepository creates a new PostgreSQL-based hash repository.
func NewPostgresEntityHashRepository(db *sql.DB) *PostgresEntityHashRepository {
	return &PostgresEntityHashRepository{db: db}
}

// GetHash returns the stored fingerprint, or nil when the triple was never recorded.
func (r *PostgresEntityHashRepository) GetHash(ctx context.Context, key models.EntityHashKey) (*models.EntityHash, error) {
	var h models.EntityHash
	var lastChanged sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, source, data_hash, last_checked_at, last_changed_at
		FROM entity_hashes
		WHERE entity_type = $1 AND entity_id = $2 AND source = $3
	`, key.EntityType, key.EntityID, key.Source).Scan(
		&h.EntityType, &h.EntityID, &h.Source, &h.DataHash, &h.LastCheckedAt, &lastChanged,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity hash: %w", err)
	}
	h.LastChangedAt = timePtr(lastChanged)
	return &h, nil
}

// UpsertHash records hash as the latest fingerprint. last_changed_at moves
// only on first insert or when the digest differs from the stored one.
func (r *PostgresEntityHashRepository) UpsertHash(ctx context.Context, key models.EntityHashKey, hash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entity_hashes (entity_type, entity_id, source, data_hash, last_checked_at, last_changed_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (entity_type, entity_id, source) DO UPDATE SET
			last_changed_at = CASE
				WHEN entity_hashes.data_hash <> EXCLUDED.data_hash THEN EXCLUDED.last_checked_at
				ELSE entity_hashes.last_changed_at
			END,
			data_hash = EXCLUDED.data_hash,
			last_checked_at = EXCLUDED.last_checked_at
	`, key.EntityType, key.EntityID, key.Source, hash, now)
	if err != nil {
		return fmt.Errorf("failed to upsert entity hash: %w", err)
	}
	return nil
}
