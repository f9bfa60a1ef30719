package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/votoclaro/electsync/internal/models"
)

// PostgresIngestionErrorRepository stores per-item ingestion failures.
type PostgresIngestionErrorRepository struct {
	db *sql.DB
}

// NewPostgresIngestionErrorRepository creates a new PostgreSQL-based ingestion error repository.
func NewPostgresIngestionErrorRepository(db *sql.DB) *PostgresIngestionErrorRepository {
	return &PostgresIngestionErrorRepository{db: db}
}

// StoreError saves an ingestion error, assigning an id and timestamp when missing.
func (r *PostgresIngestionErrorRepository) StoreError(ctx context.Context, e models.IngestionError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var runID sql.NullString
	if e.RunID != "" {
		runID = sql.NullString{String: e.RunID, Valid: true}
	}
	var metadata sql.NullString
	if e.Metadata != "" {
		metadata = sql.NullString{String: e.Metadata, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingestion_errors (id, run_id, source, error_type, natural_key, error_msg, metadata,
		                              created_at, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			error_msg = EXCLUDED.error_msg,
			metadata = EXCLUDED.metadata
	`, e.ID, runID, e.Source, e.ErrorType, e.NaturalKey, e.ErrorMsg, metadata,
		e.CreatedAt, e.Resolved, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to store ingestion error: %w", err)
	}
	return nil
}

// ListErrors returns recent errors, newest first.
func (r *PostgresIngestionErrorRepository) ListErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error) {
	query := `
		SELECT id, run_id, source, error_type, natural_key, error_msg, metadata, created_at, resolved, resolved_at
		FROM ingestion_errors
	`
	if unresolvedOnly {
		query += " WHERE resolved = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []models.IngestionError
	for rows.Next() {
		var e models.IngestionError
		var runID, metadata sql.NullString
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&e.ID,
			&runID,
			&e.Source,
			&e.ErrorType,
			&e.NaturalKey,
			&e.ErrorMsg,
			&metadata,
			&e.CreatedAt,
			&e.Resolved,
			&resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ingestion error: %w", err)
		}

		e.RunID = runID.String
		e.Metadata = metadata.String
		e.ResolvedAt = timePtr(resolvedAt)
		out = append(out, e)
	}

	return out, rows.Err()
}

// ResolveError marks an error as resolved.
func (r *PostgresIngestionErrorRepository) ResolveError(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingestion_errors SET resolved = TRUE, resolved_at = $2 WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("failed to resolve ingestion error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolved returns the count of unresolved errors.
func (r *PostgresIngestionErrorRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors WHERE resolved = FALSE`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved errors: %w", err)
	}
	return count, nil
}

// ErrorMetadata encodes error context as a JSON string for IngestionError.Metadata.
func ErrorMetadata(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
