// Package queue is the durable retry backlog of per-entity sync tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/models"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("queue task not found")
	// ErrNotRequeueable is returned when requeueing a task that is not failed.
	ErrNotRequeueable = errors.New("only failed tasks can be requeued")
	// ErrTaskNotRunning is returned when completing or failing an unclaimed task.
	ErrTaskNotRunning = errors.New("queue task is not running")
)

// DefaultPriority is the priority the runner gives deferred items. Lower
// values are claimed first.
const DefaultPriority = 100

// Store persists tasks. ClaimTask must be atomic with respect to concurrent
// callers.
type Store interface {
	InsertTask(ctx context.Context, task models.QueueTask) error
	ClaimTask(ctx context.Context, source string, now time.Time) (*models.QueueTask, error)
	CompleteTask(ctx context.Context, id string, now time.Time) error
	FailTask(ctx context.Context, id, errMsg string, now time.Time, backoff database.BackoffFunc) (*models.QueueTask, error)
	RequeueTask(ctx context.Context, id string, now time.Time) (*models.QueueTask, error)
	StaleTasks(ctx context.Context, claimedBefore time.Time) ([]models.QueueTask, error)
	GetTask(ctx context.Context, id string) (*models.QueueTask, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.QueueTask, error)
	TaskStats(ctx context.Context) ([]models.QueueStats, error)
}

// Observer is notified of task state transitions.
type Observer interface {
	TaskTransition(source string, status models.TaskStatus)
}

// EnqueueRequest describes a new task.
type EnqueueRequest struct {
	Source      string
	EntityType  string
	EntityID    *string
	Priority    int
	MaxAttempts int
	Delay       time.Duration
	Metadata    map[string]interface{}
}

// Config tunes the queue.
type Config struct {
	Backoff     BackoffPolicy
	MaxAttempts int
}

// Queue implements the retry queue operations.
type Queue struct {
	store    Store
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New creates a Queue.
func New(store Store, clk clock.Clock, cfg Config, logger *slog.Logger) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	return &Queue{store: store, clock: clk, cfg: cfg, logger: logger}
}

// SetObserver attaches an observer, typically the metrics collector.
func (q *Queue) SetObserver(o Observer) {
	q.observer = o
}

// Enqueue stores a pending task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Source == "" || req.EntityType == "" {
		return "", fmt.Errorf("source and entity type are required")
	}

	now := q.clock.Now()
	task := models.QueueTask{
		ID:          uuid.New().String(),
		Source:      req.Source,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Priority:    req.Priority,
		Status:      models.TaskStatusPending,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: now.Add(req.Delay),
		Metadata:    req.Metadata,
		CreatedAt:   now,
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.cfg.MaxAttempts
	}

	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.notify(task.Source, task.Status)
	q.logger.Debug("task enqueued", "task_id", task.ID, "source", task.Source, "entity_type", task.EntityType)
	return task.ID, nil
}

// ClaimNext atomically claims the most urgent due task. An empty source
// claims from any source. Returns nil when nothing is due.
func (q *Queue) ClaimNext(ctx context.Context, source string) (*models.QueueTask, error) {
	task, err := q.store.ClaimTask(ctx, source, q.clock.Now())
	if err != nil {
		return nil, err
	}
	if task != nil {
		q.notify(task.Source, task.Status)
	}
	return task, nil
}

// Complete marks a claimed task done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := translate(q.store.CompleteTask(ctx, id, q.clock.Now())); err != nil {
		return err
	}
	q.notify(task.Source, models.TaskStatusCompleted)
	return nil
}

// Fail records a failed attempt; the task is retried with backoff until it
// reaches its max attempts, then it stays failed until requeued.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*models.QueueTask, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	task, err := q.store.FailTask(ctx, id, msg, q.clock.Now(), q.cfg.Backoff.Delay)
	if err != nil {
		return nil, translate(err)
	}

	q.notify(task.Source, task.Status)
	if task.Status == models.TaskStatusFailed {
		q.logger.Warn("task exhausted its attempts",
			"task_id", task.ID,
			"source", task.Source,
			"attempts", task.Attempts,
			"error", msg,
		)
	} else {
		q.logger.Info("task rescheduled",
			"task_id", task.ID,
			"source", task.Source,
			"attempts", task.Attempts,
			"scheduled_at", task.ScheduledAt,
		)
	}
	return task, nil
}

// Requeue is the operator override that resets a failed task to pending.
func (q *Queue) Requeue(ctx context.Context, id string) (*models.QueueTask, error) {
	task, err := q.store.RequeueTask(ctx, id, q.clock.Now())
	if err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			return nil, ErrNotRequeueable
		}
		return nil, translate(err)
	}
	q.notify(task.Source, task.Status)
	q.logger.Info("task requeued by operator", "task_id", id, "source", task.Source)
	return task, nil
}

// ReclaimStale fails every task left running longer than olderThan, as if
// its worker had reported an error. Returns the number reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := q.store.StaleTasks(ctx, q.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	reclaimed := 0
	for _, task := range stale {
		_, err := q.Fail(ctx, task.ID, errors.New("claim expired"))
		if errors.Is(err, ErrTaskNotRunning) {
			// finished between listing and failing
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed stale task claims", "count", reclaimed)
	}
	return reclaimed, nil
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueTask, error) {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return task, nil
}

// List returns tasks in claim order.
func (q *Queue) List(ctx context.Context, filter models.TaskFilter) ([]models.QueueTask, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	return q.store.ListTasks(ctx, filter)
}

// Stats returns task counts per source and status.
func (q *Queue) Stats(ctx context.Context) ([]models.QueueStats, error) {
	return q.store.TaskStats(ctx)
}

func (q *Queue) notify(source string, status models.TaskStatus) {
	if q.observer != nil {
		q.observer.TaskTransition(source, status)
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, database.ErrStateConflict):
		return ErrTaskNotRunning
	default:
		return err
	}
}
