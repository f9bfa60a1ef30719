package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/votoclaro/electsync/internal/changedetect"
	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
)

// ErrUnknownSource is returned for a source with no registered worker.
var ErrUnknownSource = errors.New("unknown source")

// RunLedger records the lifecycle of sync runs.
type RunLedger interface {
	Start(ctx context.Context, source string) (string, error)
	MarkRunning(ctx context.Context, runID string) error
	IncrementCounters(ctx context.Context, runID string, delta models.RunCounts) error
	Complete(ctx context.Context, runID string) error
	Fail(ctx context.Context, runID string, cause error) error
}

// ChangeDetector decides whether an item changed since it was last committed.
type ChangeDetector interface {
	ShouldProcess(ctx context.Context, entityType, entityID, source string, payload interface{}) (changedetect.Decision, error)
	RecordProcessed(ctx context.Context, entityType, entityID, source, hash string) error
}

// Deferrer stores failed items for a later retry.
type Deferrer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// ErrorStore persists per-item ingestion errors.
type ErrorStore interface {
	StoreError(ctx context.Context, e models.IngestionError) error
}

// ItemObserver is notified of every per-item outcome.
type ItemObserver interface {
	ItemOutcome(source string, outcome Outcome)
}

// RunnerConfig tunes the runner.
type RunnerConfig struct {
	RunTimeout     time.Duration
	ConcurrentRuns int
	RetryPriority  int
}

// RunResult is the summary returned to triggers.
type RunResult struct {
	Source     string           `json:"source"`
	RunID      string           `json:"run_id,omitempty"`
	Status     models.RunStatus `json:"status,omitempty"`
	Counts     models.RunCounts `json:"counts"`
	Errors     []string         `json:"errors"`
	Deferred   int              `json:"deferred"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

// Runner drives workers through the sync run lifecycle.
type Runner struct {
	ledger   RunLedger
	detector ChangeDetector
	deferrer Deferrer
	errors   ErrorStore
	clock    clock.Clock
	cfg      RunnerConfig
	logger   *slog.Logger
	observer ItemObserver

	workers map[string]Worker
	order   []string
}

// NewRunner creates a Runner. errs may be nil.
func NewRunner(ledger RunLedger, detector ChangeDetector, deferrer Deferrer, errs ErrorStore, clk clock.Clock, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConcurrentRuns <= 0 {
		cfg.ConcurrentRuns = 2
	}
	if cfg.RetryPriority <= 0 {
		cfg.RetryPriority = queue.DefaultPriority
	}
	return &Runner{
		ledger:   ledger,
		detector: detector,
		deferrer: deferrer,
		errors:   errs,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		workers:  make(map[string]Worker),
	}
}

// SetObserver attaches an item observer, typically the metrics collector.
func (r *Runner) SetObserver(o ItemObserver) {
	r.observer = o
}

// Register adds a worker. Call before serving.
func (r *Runner) Register(w Worker) {
	if _, ok := r.workers[w.Source()]; !ok {
		r.order = append(r.order, w.Source())
	}
	r.workers[w.Source()] = w
}

// Sources lists registered sources in registration order.
func (r *Runner) Sources() []string {
	return append([]string(nil), r.order...)
}

// Run executes one sync run of source. The run is always closed: completed
// on success, failed on fetch errors, panics, cancellation or timeout.
func (r *Runner) Run(ctx context.Context, source, cursor string) (result RunResult, err error) {
	w, ok := r.workers[source]
	if !ok {
		return RunResult{Source: source}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	runID, err := r.ledger.Start(ctx, source)
	if err != nil {
		return RunResult{Source: source, Error: err.Error()}, err
	}

	started := r.clock.Now()
	result = RunResult{Source: source, RunID: runID, Status: models.RunStatusRunning, Errors: []string{}}
	logger := r.logger.With("source", source, "run_id", runID)
	logger.Info("executing sync run", "cursor", cursor)

	runCtx := ctx
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panicked: %v", p)
			logger.Error("sync run panicked", "panic", p, "stack", string(debug.Stack()))
		}
		if closeErr := r.closeRun(context.WithoutCancel(ctx), &result, err, started, logger); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	err = r.execute(runCtx, w, &result, cursor, logger)
	return result, err
}

func (r *Runner) execute(ctx context.Context, w Worker, result *RunResult, cursor string, logger *slog.Logger) error {
	source := w.Source()

	raws, err := w.Fetch(ctx, cursor)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch interrupted: %w", ctx.Err())
		}
		r.storeError(ctx, result.RunID, source, models.ErrorTypeFetchFailed, "", err)
		return fmt.Errorf("fetch failed: %w", err)
	}
	if err := r.ledger.MarkRunning(ctx, result.RunID); err != nil {
		return fmt.Errorf("run heartbeat failed: %w", err)
	}
	logger.Info("fetched raw items", "count", len(raws))

	var pending []Item
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		result.Counts.Processed++

		if !w.IsRelevant(raw) {
			result.Counts.Skipped++
			r.observe(source, OutcomeIrrelevant)
			continue
		}

		item, err := w.Normalize(ctx, raw)
		if err != nil {
			r.itemError(ctx, result, source, models.ErrorTypeParsingFailed, raw.Origin, err)
			continue
		}

		decision, err := r.detector.ShouldProcess(ctx, item.EntityType, item.NaturalKey, source, item.Payload)
		if err != nil {
			r.itemError(ctx, result, source, models.ErrorTypeParsingFailed, item.NaturalKey, err)
			continue
		}
		if !decision.Process {
			result.Counts.Skipped++
			r.observe(source, OutcomeUnchanged)
			continue
		}
		item.Decision = decision
		pending = append(pending, item)
	}

	if len(pending) == 0 {
		return nil
	}
	if err := r.ledger.MarkRunning(ctx, result.RunID); err != nil {
		return fmt.Errorf("run heartbeat failed: %w", err)
	}

	report, err := w.Commit(ctx, pending)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("commit interrupted: %w", ctx.Err())
		}
		logger.Error("batch commit failed, deferring items", "items", len(pending), "error", err)
		for _, item := range pending {
			r.commitFailed(ctx, result, source, item, err)
		}
		return nil
	}
	if len(report.Results) != len(pending) {
		return fmt.Errorf("worker reported %d results for %d items", len(report.Results), len(pending))
	}

	for i, res := range report.Results {
		item := pending[i]
		switch res.Outcome {
		case OutcomeCreated:
			result.Counts.Created++
			r.markProcessed(ctx, source, item, logger)
		case OutcomeUpdated:
			result.Counts.Updated++
			r.markProcessed(ctx, source, item, logger)
		case OutcomeSkipped:
			result.Counts.Skipped++
			r.markProcessed(ctx, source, item, logger)
		case OutcomeInvalid:
			result.Counts.Skipped++
			r.storeError(ctx, result.RunID, source, models.ErrorTypeValidationFailed, item.NaturalKey, res.Err)
		default:
			r.commitFailed(ctx, result, source, item, res.Err)
		}
		r.observe(source, res.Outcome)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return nil
}

func (r *Runner) closeRun(ctx context.Context, result *RunResult, runErr error, started time.Time, logger *slog.Logger) error {
	if !result.Counts.IsZero() {
		if err := r.ledger.IncrementCounters(ctx, result.RunID, result.Counts); err != nil {
			logger.Error("failed to record run counters", "error", err)
		}
	}
	result.DurationMs = r.clock.Now().Sub(started).Milliseconds()

	if runErr != nil {
		result.Status = models.RunStatusFailed
		result.Error = runErr.Error()
		if err := r.ledger.Fail(ctx, result.RunID, runErr); err != nil {
			logger.Error("failed to mark run failed", "error", err)
		}
		logger.Error("sync run failed", "error", runErr, "duration_ms", result.DurationMs)
		return nil
	}

	if err := r.ledger.Complete(ctx, result.RunID); err != nil {
		result.Status = models.RunStatusFailed
		result.Error = err.Error()
		logger.Error("failed to complete run", "error", err)
		return fmt.Errorf("failed to complete run: %w", err)
	}

	result.Status = models.RunStatusCompleted
	logger.Info("sync run completed",
		"processed", result.Counts.Processed,
		"created", result.Counts.Created,
		"updated", result.Counts.Updated,
		"skipped", result.Counts.Skipped,
		"errors", result.Counts.Errors,
		"deferred", result.Deferred,
		"duration_ms", result.DurationMs,
	)
	return nil
}

// RunAll runs every registered source concurrently, bounded by
// ConcurrentRuns, and returns results in registration order.
func (r *Runner) RunAll(ctx context.Context) []RunResult {
	sources := r.Sources()
	results := make([]RunResult, len(sources))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.cfg.ConcurrentRuns)

	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			res, err := r.Run(ctx, source, "")
			if err != nil {
				r.logger.Error("source run failed", "source", source, "error", err)
			}
			results[i] = res
		}(i, source)
	}

	wg.Wait()
	return results
}

// HandleTask replays a deferred item. It implements queue.Handler.
func (r *Runner) HandleTask(ctx context.Context, task models.QueueTask) error {
	w, ok := r.workers[task.Source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, task.Source)
	}

	naturalKey := ""
	if task.EntityID != nil {
		naturalKey = *task.EntityID
	}
	runID, _ := task.Metadata["run_id"].(string)

	item, err := w.Retry(ctx, task)
	if err != nil {
		if task.Attempts+1 >= task.MaxAttempts {
			r.storeError(ctx, runID, task.Source, models.ErrorTypeRetryExhausted, naturalKey, err,
				map[string]interface{}{"task_id": task.ID, "attempts": task.Attempts + 1})
		}
		return err
	}

	hash, err := changedetect.Fingerprint(item.Payload)
	if err != nil {
		r.logger.Warn("failed to fingerprint retried item", "task_id", task.ID, "error", err)
		return nil
	}
	if err := r.detector.RecordProcessed(ctx, item.EntityType, item.NaturalKey, task.Source, hash); err != nil {
		r.logger.Warn("failed to record retried item hash", "task_id", task.ID, "error", err)
	}
	return nil
}

func (r *Runner) markProcessed(ctx context.Context, source string, item Item, logger *slog.Logger) {
	if err := r.detector.RecordProcessed(ctx, item.EntityType, item.NaturalKey, source, item.Decision.Hash); err != nil {
		logger.Warn("failed to record entity hash", "natural_key", item.NaturalKey, "error", err)
	}
}

func (r *Runner) commitFailed(ctx context.Context, result *RunResult, source string, item Item, cause error) {
	if cause == nil {
		cause = errors.New("commit failed")
	}
	r.itemError(ctx, result, source, models.ErrorTypeCommitFailed, item.NaturalKey, cause)

	payload, err := encodePayload(item.Payload)
	if err != nil {
		r.logger.Error("failed to encode deferred payload", "source", source, "natural_key", item.NaturalKey, "error", err)
		return
	}
	key := item.NaturalKey
	taskID, err := r.deferrer.Enqueue(ctx, queue.EnqueueRequest{
		Source:     source,
		EntityType: item.EntityType,
		EntityID:   &key,
		Priority:   r.cfg.RetryPriority,
		Metadata: map[string]interface{}{
			"payload": payload,
			"run_id":  result.RunID,
			"error":   cause.Error(),
		},
	})
	if err != nil {
		r.logger.Error("failed to defer item", "source", source, "natural_key", key, "error", err)
		return
	}
	result.Deferred++
	r.logger.Info("item deferred to retry queue", "source", source, "natural_key", key, "task_id", taskID)
}

func (r *Runner) itemError(ctx context.Context, result *RunResult, source string, errType models.IngestionErrorType, key string, cause error) {
	result.Counts.Errors++
	msg := cause.Error()
	if key != "" {
		msg = key + ": " + msg
	}
	result.Errors = append(result.Errors, msg)
	r.storeError(ctx, result.RunID, source, errType, key, cause)
}

func (r *Runner) storeError(ctx context.Context, runID, source string, errType models.IngestionErrorType, key string, cause error, metadata ...map[string]interface{}) {
	if r.errors == nil || cause == nil {
		return
	}
	e := models.IngestionError{
		ID:         uuid.New().String(),
		RunID:      runID,
		Source:     source,
		ErrorType:  string(errType),
		NaturalKey: key,
		ErrorMsg:   cause.Error(),
		CreatedAt:  r.clock.Now(),
	}
	if len(metadata) > 0 {
		e.Metadata = database.ErrorMetadata(metadata[0])
	}
	if err := r.errors.StoreError(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Error("failed to store ingestion error", "source", source, "error", err)
	}
}

func (r *Runner) observe(source string, outcome Outcome) {
	if r.observer != nil {
		r.observer.ItemOutcome(source, outcome)
	}
}

func encodePayload(p interface{}) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(task models.QueueTask, v interface{}) error {
	raw, ok := task.Metadata["payload"].(string)
	if !ok || raw == "" {
		return fmt.Errorf("task %s carries no payload", task.ID)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode payload of task %s: %w", task.ID, err)
	}
	return nil
}
