// Package ledger records the lifecycle of ingestion runs: one row per
// invocation of one source, append-only, with at most one running run per
// source.
package ledger

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
	// ErrRunInProgress is returned by Start when a fresh run of the source is still open.
	ErrRunInProgress = errors.New("sync run already in progress")
	// ErrStaleRun is returned by Start when an open run of the source exceeded
	// the staleness threshold. It must be abandoned by an operator.
	ErrStaleRun = errors.New("stale sync run requires operator attention")
	// ErrRunFinished is returned when mutating a completed or failed run.
	ErrRunFinished = errors.New("sync run already finished")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("sync run not found")
)

// Store persists runs. Conditional mutations return database.ErrStateConflict
// when the run is no longer running and database.ErrNotFound for unknown ids.
type Store interface {
	InsertRun(ctx context.Context, run models.SyncRun) error
	GetRun(ctx context.Context, id string) (*models.SyncRun, error)
	RunningRun(ctx context.Context, source string) (*models.SyncRun, error)
	LatestRun(ctx context.Context, source string) (*models.SyncRun, error)
	ListRuns(ctx context.Context, source string, limit int) ([]models.SyncRun, error)
	RunsSince(ctx context.Context, source string, since time.Time) ([]models.SyncRun, error)
	ListRunSources(ctx context.Context) ([]string, error)
	HeartbeatRun(ctx context.Context, id string, at time.Time) error
	AddRunCounts(ctx context.Context, id string, delta models.RunCounts) error
	FinishRun(ctx context.Context, id string, status models.RunStatus, completedAt time.Time, errorMessage *string) error
}

// Observer is notified of run transitions.
type Observer interface {
	RunStarted(source string)
	RunFinished(source string, status models.RunStatus, duration time.Duration)
}

// Config tunes the ledger.
type Config struct {
	StaleAfter   time.Duration
	StatusWindow time.Duration
}

// Ledger manages sync runs.
type Ledger struct {
	store    Store
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New creates a Ledger.
func New(store Store, clk clock.Clock, cfg Config, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.StatusWindow <= 0 {
		cfg.StatusWindow = 24 * time.Hour
	}
	return &Ledger{store: store, clock: clk, cfg: cfg, logger: logger}
}

// SetObserver attaches an observer, typically the metrics collector.
func (l *Ledger) SetObserver(o Observer) {
	l.observer = o
}

// Start opens a new running run for source.
func (l *Ledger) Start(ctx context.Context, source string) (string, error) {
	now := l.clock.Now()

	open, err := l.store.RunningRun(ctx, source)
	if err != nil {
		return "", fmt.Errorf("failed to check running runs: %w", err)
	}
	if open != nil {
		return "", l.openRunError(*open, now)
	}

	run := models.SyncRun{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    models.RunStatusRunning,
		StartedAt: now,
	}
	if err := l.store.InsertRun(ctx, run); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// lost a race with a concurrent Start
			return "", ErrRunInProgress
		}
		return "", fmt.Errorf("failed to start sync run: %w", err)
	}

	if l.observer != nil {
		l.observer.RunStarted(source)
	}
	l.logger.Info("sync run started", "source", source, "run_id", run.ID)
	return run.ID, nil
}

func (l *Ledger) openRunError(open models.SyncRun, now time.Time) error {
	if open.IsStale(now, l.cfg.StaleAfter) {
		l.logger.Warn("stale sync run blocks new run",
			"source", open.Source,
			"run_id", open.ID,
			"started_at", open.StartedAt,
		)
		return fmt.Errorf("%w: run %s started at %s", ErrStaleRun, open.ID, open.StartedAt.Format(time.RFC3339))
	}
	return fmt.Errorf("%w: run %s", ErrRunInProgress, open.ID)
}

// MarkRunning records a heartbeat and confirms the run is still open.
func (l *Ledger) MarkRunning(ctx context.Context, runID string) error {
	return translate(l.store.HeartbeatRun(ctx, runID, l.clock.Now()))
}

// IncrementCounters adds delta to the run's counters.
func (l *Ledger) IncrementCounters(ctx context.Context, runID string, delta models.RunCounts) error {
	if delta.IsZero() {
		return nil
	}
	return translate(l.store.AddRunCounts(ctx, runID, delta))
}

// Complete closes the run successfully.
func (l *Ledger) Complete(ctx context.Context, runID string) error {
	return l.finish(ctx, runID, models.RunStatusCompleted, nil)
}

// Fail closes the run as failed, preserving the cause.
func (l *Ledger) Fail(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.finish(ctx, runID, models.RunStatusFailed, &msg)
}

// Abandon is the operator action that closes a stuck run as failed.
func (l *Ledger) Abandon(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "no reason given"
	}
	msg := "abandoned by operator: " + reason
	return l.finish(ctx, runID, models.RunStatusFailed, &msg)
}

func (l *Ledger) finish(ctx context.Context, runID string, status models.RunStatus, msg *string) error {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return translate(err)
	}

	now := l.clock.Now()
	if err := translate(l.store.FinishRun(ctx, runID, status, now, msg)); err != nil {
		return err
	}

	duration := now.Sub(run.StartedAt)
	if l.observer != nil {
		l.observer.RunFinished(run.Source, status, duration)
	}

	attrs := []any{"source", run.Source, "run_id", runID, "status", status, "duration_ms", duration.Milliseconds()}
	if msg != nil {
		l.logger.Warn("sync run finished", append(attrs, "error", *msg)...)
	} else {
		l.logger.Info("sync run finished", attrs...)
	}
	return nil
}

// Get returns a run by id.
func (l *Ledger) Get(ctx context.Context, runID string) (*models.SyncRun, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, translate(err)
	}
	return run, nil
}

// Latest returns the most recent run of source, or nil.
func (l *Ledger) Latest(ctx context.Context, source string) (*models.SyncRun, error) {
	return l.store.LatestRun(ctx, source)
}

// ListRecent returns runs newest first. An empty source lists all sources.
func (l *Ledger) ListRecent(ctx context.Context, source string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListRuns(ctx, source, limit)
}

// Status projects the latest run, staleness and recent aggregates for each
// source. Sources that never ran but are listed in known are included.
func (l *Ledger) Status(ctx context.Context, known []string) ([]models.SourceStatus, error) {
	stored, err := l.store.ListRunSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	sources := mergeSources(known, stored)
	now := l.clock.Now()
	since := now.Add(-l.cfg.StatusWindow)

	out := make([]models.SourceStatus, 0, len(sources))
	for _, source := range sources {
		latest, err := l.store.LatestRun(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to load latest run for %s: %w", source, err)
		}
		recent, err := l.store.RunsSince(ctx, source, since)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent runs for %s: %w", source, err)
		}

		status := models.SourceStatus{Source: source, Latest: latest, Recent: summarize(recent)}
		if latest != nil {
			status.Stale = latest.IsStale(now, l.cfg.StaleAfter)
		}
		out = append(out, status)
	}
	return out, nil
}

func summarize(runs []models.SyncRun) models.RecentRuns {
	var r models.RecentRuns
	for _, run := range runs {
		r.Runs++
		r.Counts = r.Counts.Add(run.Counts)
		switch run.Status {
		case models.RunStatusCompleted:
			r.Completed++
		case models.RunStatusFailed:
			r.Failed++
		case models.RunStatusRunning:
			r.Running++
		}
	}
	return r
}

func mergeSources(known, stored []string) []string {
	seen := make(map[string]bool, len(known)+len(stored))
	var out []string
	for _, list := range [][]string{known, stored} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrStateConflict):
		return ErrRunFinished
	case errors.Is(err, database.ErrNotFound):
		return ErrRunNotFound
	default:
		return err
	}
}
