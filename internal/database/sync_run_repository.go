package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/votoclaro/electsync/internal/models"
)

const syncRunColumns = `id, source, status, started_at, completed_at, duration_ms,
	processed, created, updated, skipped, errors, error_message, metadata`

// PostgresSyncRunRepository persists the run ledger.
type PostgresSyncRunRepository struct {
	db *sql.DB
}

// NewPostgresSyncRunRepository creates a new PostgreSQL-based run repository.
func NewPostgresSyncRunRepository(db *sql.DB) *PostgresSyncRunRepository {
	return &PostgresSyncRunRepository{db: db}
}

// InsertRun stores a new run. A second running run for the same source
// violates the partial unique index and yields ErrDuplicate.
func (r *PostgresSyncRunRepository) InsertRun(ctx context.Context, run models.SyncRun) error {
	metadata, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, source, status, started_at, processed, created, updated, skipped, errors, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Source, run.Status, run.StartedAt,
		run.Counts.Processed, run.Counts.Created, run.Counts.Updated, run.Counts.Skipped, run.Counts.Errors,
		metadata)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

// GetRun returns a run by id.
func (r *PostgresSyncRunRepository) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// RunningRun returns the unfinished run of a source, or nil when none exists.
func (r *PostgresSyncRunRepository) RunningRun(ctx context.Context, source string) (*models.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE source = $1 AND status = 'running'
		ORDER BY started_at DESC LIMIT 1
	`, source)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running sync run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently started run of a source, or nil.
func (r *PostgresSyncRunRepository) LatestRun(ctx context.Context, source string) (*models.SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE source = $1
		ORDER BY started_at DESC, id DESC LIMIT 1
	`, source)
	run, err := scanSyncRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally restricted to one source.
func (r *PostgresSyncRunRepository) ListRuns(ctx context.Context, source string, limit int) ([]models.SyncRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE ($1 = '' OR source = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return collectSyncRuns(rows)
}

// RunsSince returns every run of a source started at or after since.
func (r *PostgresSyncRunRepository) RunsSince(ctx context.Context, source string, since time.Time) ([]models.SyncRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE source = $1 AND started_at >= $2
		ORDER BY started_at DESC, id DESC
	`, source, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sync runs: %w", err)
	}
	return collectSyncRuns(rows)
}

// ListRunSources returns every source that has at least one run.
func (r *PostgresSyncRunRepository) ListRunSources(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT source FROM sync_runs ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan run source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// HeartbeatRun stamps metadata.heartbeat_at on a running run.
func (r *PostgresSyncRunRepository) HeartbeatRun(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET metadata = metadata || jsonb_build_object('heartbeat_at', $2::text)
		WHERE id = $1 AND status = 'running'
	`, id, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// AddRunCounts increments the counters of a running run.
func (r *PostgresSyncRunRepository) AddRunCounts(ctx context.Context, id string, delta models.RunCounts) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET processed = processed + $2,
		    created = created + $3,
		    updated = updated + $4,
		    skipped = skipped + $5,
		    errors = errors + $6
		WHERE id = $1 AND status = 'running'
	`, id, delta.Processed, delta.Created, delta.Updated, delta.Skipped, delta.Errors)
	if err != nil {
		return fmt.Errorf("failed to increment run counters: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

// FinishRun moves a running run to a terminal status.
func (r *PostgresSyncRunRepository) FinishRun(ctx context.Context, id string, status models.RunStatus, completedAt time.Time, errorMessage *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2,
		    completed_at = $3,
		    duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint),
		    error_message = $4
		WHERE id = $1 AND status = 'running'
	`, id, status, completedAt, nullString(errorMessage))
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	return r.checkTransition(ctx, res, id)
}

func (r *PostgresSyncRunRepository) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return conditionalMiss(ctx, r.db, "sync_runs", id)
	}
	return nil
}

func collectSyncRuns(rows *sql.Rows) ([]models.SyncRun, error) {
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanSyncRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var errorMessage sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&run.ID,
		&run.Source,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&durationMs,
		&run.Counts.Processed,
		&run.Counts.Created,
		&run.Counts.Updated,
		&run.Counts.Skipped,
		&run.Counts.Errors,
		&errorMessage,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	run.CompletedAt = timePtr(completedAt)
	run.ErrorMessage = stringPtr(errorMessage)
	if durationMs.Valid {
		d := durationMs.Int64
		run.DurationMs = &d
	}
	if run.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
		return nil, err
	}
	return &run, nil
}
