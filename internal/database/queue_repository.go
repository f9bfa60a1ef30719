package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/votoclaro/electsync/internal/models"
)

const queueTaskColumns = `id, source, entity_type, entity_id, priority, status, attempts, max_attempts,
	last_error, scheduled_at, started_at, completed_at, metadata, created_at`

// BackoffFunc returns the reschedule delay for a task that has failed
// attempts times.
type BackoffFunc func(attempts int) time.Duration

// PostgresQueueRepository persists the retry queue.
type PostgresQueueRepository struct {
	db *sql.DB
}

// NewPostgresQueueRepository creates a new PostgreSQL-based queue repository.
func NewPostgresQueueRepository(db *sql.DB) *PostgresQueueRepository {
	return &PostgresQueueRepository{db: db}
}

// InsertTask stores a new task.
func (r *PostgresQueueRepository) InsertTask(ctx context.Context, task models.QueueTask) error {
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, source, entity_type, entity_id, priority, status, attempts, max_attempts,
		                        scheduled_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, task.ID, task.Source, task.EntityType, nullString(task.EntityID), task.Priority, task.Status,
		task.Attempts, task.MaxAttempts, task.ScheduledAt, metadata, task.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert queue task: %w", err)
	}
	return nil
}

// ClaimTask atomically moves the most urgent due pending task to running.
// An empty source claims from any source. Returns nil when nothing is due.
func (r *PostgresQueueRepository) ClaimTask(ctx context.Context, source string, now time.Time) (*models.QueueTask, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sync_queue
		SET status = 'running',
		    started_at = $2
		WHERE id = (
			SELECT id FROM sync_queue
			WHERE status = 'pending'
			  AND scheduled_at <= $2
			  AND ($1 = '' OR source = $1)
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueTaskColumns, source, now)

	task, err := scanQueueTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue task: %w", err)
	}
	return task, nil
}

// CompleteTask marks a running task completed.
func (r *PostgresQueueRepository) CompleteTask(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'completed', completed_at = $2, last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return fmt.Errorf("failed to complete queue task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return conditionalMiss(ctx, r.db, "sync_queue", id)
	}
	return nil
}

// FailTask records a failed attempt of a running task inside one
// transaction. The task is rescheduled with backoff while attempts remain,
// otherwise it becomes permanently failed.
func (r *PostgresQueueRepository) FailTask(ctx context.Context, id, errMsg string, now time.Time, backoff BackoffFunc) (*models.QueueTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanQueueTask(tx.QueryRowContext(ctx,
		`SELECT `+queueTaskColumns+` FROM sync_queue WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock queue task: %w", err)
	}
	if task.Status != models.TaskStatusRunning {
		return nil, ErrStateConflict
	}

	applyFailure(task, errMsg, now, backoff)

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = $2, attempts = $3, last_error = $4, scheduled_at = $5,
		    started_at = $6, completed_at = $7
		WHERE id = $1
	`, task.ID, task.Status, task.Attempts, nullString(task.LastError), task.ScheduledAt,
		nullTime(task.StartedAt), nullTime(task.CompletedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to update queue task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue task failure: %w", err)
	}
	return task, nil
}

// RequeueTask resets a permanently failed task to pending with zero attempts.
func (r *PostgresQueueRepository) RequeueTask(ctx context.Context, id string, now time.Time) (*models.QueueTask, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', attempts = 0, scheduled_at = $2,
		    started_at = NULL, completed_at = NULL
		WHERE id = $1 AND status = 'failed'
		RETURNING `+queueTaskColumns, id, now)

	task, err := scanQueueTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conditionalMiss(ctx, r.db, "sync_queue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to requeue task: %w", err)
	}
	return task, nil
}

// StaleTasks returns running tasks claimed before claimedBefore.
func (r *PostgresQueueRepository) StaleTasks(ctx context.Context, claimedBefore time.Time) ([]models.QueueTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueTaskColumns+` FROM sync_queue
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
	`, claimedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	return collectQueueTasks(rows)
}

// GetTask returns a task by id.
func (r *PostgresQueueRepository) GetTask(ctx context.Context, id string) (*models.QueueTask, error) {
	task, err := scanQueueTask(r.db.QueryRowContext(ctx,
		`SELECT `+queueTaskColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks in claim order, narrowed by filter.
func (r *PostgresQueueRepository) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.QueueTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueTaskColumns+` FROM sync_queue
		WHERE ($1 = '' OR source = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY priority ASC, scheduled_at ASC, id ASC
		LIMIT $3
	`, filter.Source, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue tasks: %w", err)
	}
	return collectQueueTasks(rows)
}

// TaskStats counts tasks grouped by source and status.
func (r *PostgresQueueRepository) TaskStats(ctx context.Context) ([]models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, status, COUNT(*) FROM sync_queue
		GROUP BY source, status
		ORDER BY source, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	var stats []models.QueueStats
	for rows.Next() {
		var source string
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&source, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].Source != source {
			stats = append(stats, models.QueueStats{Source: source, Counts: map[models.TaskStatus]int{}})
		}
		stats[len(stats)-1].Counts[status] = count
	}
	return stats, rows.Err()
}

// applyFailure mutates task to reflect one more failed attempt.
func applyFailure(task *models.QueueTask, errMsg string, now time.Time, backoff BackoffFunc) {
	task.Attempts++
	if task.Attempts > task.MaxAttempts {
		task.Attempts = task.MaxAttempts
	}
	msg := errMsg
	task.LastError = &msg
	task.StartedAt = nil

	if task.Attempts < task.MaxAttempts {
		task.Status = models.TaskStatusPending
		task.ScheduledAt = now.Add(backoff(task.Attempts))
		task.CompletedAt = nil
		return
	}

	task.Status = models.TaskStatusFailed
	completed := now
	task.CompletedAt = &completed
}

func collectQueueTasks(rows *sql.Rows) ([]models.QueueTask, error) {
	defer rows.Close()

	var tasks []models.QueueTask
	for rows.Next() {
		task, err := scanQueueTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanQueueTask(row rowScanner) (*models.QueueTask, error) {
	var task models.QueueTask
	var entityID, lastError sql.NullString
	var startedAt, completedAt sql.NullTime
	var metadataJSON []byte

	err := row.Scan(
		&task.ID,
		&task.Source,
		&task.EntityType,
		&entityID,
		&task.Priority,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&lastError,
		&task.ScheduledAt,
		&startedAt,
		&completedAt,
		&metadataJSON,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.EntityID = stringPtr(entityID)
	task.LastError = stringPtr(lastError)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	if task.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
		return nil, err
	}
	return &task, nil
}
