// Package scheduler triggers sync runs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/ledger"
)

// Trigger starts one sync run of a source.
type Trigger interface {
	Run(ctx context.Context, source, cursor string) (ingestion.RunResult, error)
}

// Job binds a source to a cron expression. Standard five-field expressions
// and descriptors such as "@every 15m" are accepted.
type Job struct {
	Source   string
	Schedule string
}

// CronScheduler runs each job on its schedule. It satisfies suture.Service.
type CronScheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// New validates and registers every job. Overlapping firings of the same job
// are skipped while a run is still in flight.
func New(trigger Trigger, jobs []Job, logger *slog.Logger) (*CronScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &CronScheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		trigger: trigger,
		logger:  logger,
		baseCtx: context.Background(),
	}

	for _, job := range jobs {
		source := job.Source
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			_, _ = s.RunJob(s.serveContext(), source)
		}))
		if _, err := s.cron.AddJob(job.Schedule, wrapped); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", job.Schedule, source, err)
		}
		logger.Info("sync job scheduled", "source", source, "schedule", job.Schedule)
	}
	return s, nil
}

// Entries reports the number of registered jobs.
func (s *CronScheduler) Entries() int {
	return len(s.cron.Entries())
}

// RunJob performs one scheduled run of source. Refusals because a run is
// already open are expected under overlap and logged quietly.
func (s *CronScheduler) RunJob(ctx context.Context, source string) (ingestion.RunResult, error) {
	res, err := s.trigger.Run(ctx, source, "")
	switch {
	case err == nil:
		s.logger.Debug("scheduled sync finished", "source", source, "run_id", res.RunID)
	case errors.Is(err, ledger.ErrRunInProgress):
		s.logger.Info("scheduled sync skipped, run in progress", "source", source)
	case errors.Is(err, ledger.ErrStaleRun):
		s.logger.Warn("scheduled sync blocked by stale run", "source", source, "error", err)
	default:
		s.logger.Error("scheduled sync failed", "source", source, "run_id", res.RunID, "error", err)
	}
	return res, err
}

// Serve runs the cron loop until ctx is done, then waits for in-flight runs
// to close.
func (s *CronScheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs", s.Entries())
	s.cron.Start()

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *CronScheduler) String() string { return "cron-scheduler" }

func (s *CronScheduler) serveContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
