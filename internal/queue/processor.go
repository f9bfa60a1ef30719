package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/models"
)

// Handler retries one deferred task.
type Handler interface {
	HandleTask(ctx context.Context, task models.QueueTask) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task models.QueueTask) error

// HandleTask calls f.
func (f HandlerFunc) HandleTask(ctx context.Context, task models.QueueTask) error {
	return f(ctx, task)
}

// ProcessorConfig tunes the processing loop.
type ProcessorConfig struct {
	PollInterval time.Duration
	StaleClaim   time.Duration
	TaskTimeout  time.Duration
}

// Processor claims due tasks and dispatches them to per-source handlers.
type Processor struct {
	queue    *Queue
	handlers map[string]Handler
	clock    clock.Clock
	cfg      ProcessorConfig
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(q *Queue, clk clock.Clock, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 15 * time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return &Processor{
		queue:    q,
		handlers: make(map[string]Handler),
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register routes tasks of source to h.
func (p *Processor) Register(source string, h Handler) {
	p.handlers[source] = h
}

// ProcessOnce claims and handles at most one task. It reports whether a
// task was claimed.
func (p *Processor) ProcessOnce(ctx context.Context) (bool, error) {
	task, err := p.queue.ClaimNext(ctx, "")
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	logger := p.logger.With("task_id", task.ID, "source", task.Source, "attempt", task.Attempts+1)

	handler, ok := p.handlers[task.Source]
	if !ok {
		_, ferr := p.queue.Fail(ctx, task.ID, fmt.Errorf("no handler registered for source %q", task.Source))
		return true, ferr
	}

	herr := p.invoke(ctx, handler, *task)
	// settle the claim even when ctx was cancelled mid-task
	settleCtx := context.WithoutCancel(ctx)
	if herr != nil {
		logger.Warn("task attempt failed", "error", herr)
		_, err := p.queue.Fail(settleCtx, task.ID, herr)
		return true, err
	}

	logger.Debug("task completed")
	return true, p.queue.Complete(settleCtx, task.ID)
}

func (p *Processor) invoke(ctx context.Context, h Handler, task models.QueueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	return h.HandleTask(taskCtx, task)
}

// Drain processes tasks until none is due. Returns the number handled.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		claimed, err := p.ProcessOnce(ctx)
		if err != nil {
			return handled, err
		}
		if !claimed {
			return handled, nil
		}
		handled++
	}
}

// Serve runs the processing loop until ctx is done. It satisfies
// suture.Service.
func (p *Processor) Serve(ctx context.Context) error {
	p.logger.Info("queue processor started", "poll_interval", p.cfg.PollInterval)

	for {
		if _, err := p.queue.ReclaimStale(ctx, p.cfg.StaleClaim); err != nil && ctx.Err() == nil {
			p.logger.Error("failed to reclaim stale tasks", "error", err)
		}

		if _, err := p.Drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				p.logger.Info("queue processor stopped")
				return ctx.Err()
			}
			p.logger.Error("queue processing failed", "error", err)
		}

		if err := p.clock.Sleep(ctx, p.cfg.PollInterval); err != nil {
			p.logger.Info("queue processor stopped")
			return err
		}
	}
}

func (p *Processor) String() string { return "queue-processor" }
