// Package app assembles the sync pipeline from configuration and a set of
// stores. Both the server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/votoclaro/electsync/internal/api"
	"github.com/votoclaro/electsync/internal/auth"
	"github.com/votoclaro/electsync/internal/bulk"
	"github.com/votoclaro/electsync/internal/changedetect"
	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/config"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/logging"
	"github.com/votoclaro/electsync/internal/metrics"
	"github.com/votoclaro/electsync/internal/queue"
	"github.com/votoclaro/electsync/internal/resolver"
	"github.com/votoclaro/electsync/internal/scheduler"
)

// ErrorStore records and serves per-item ingestion errors.
type ErrorStore interface {
	ingestion.ErrorStore
	api.IngestionErrorStore
}

// Stores groups every persistence dependency of the pipeline.
type Stores struct {
	Runs       ledger.Store
	Hashes     changedetect.Store
	Tasks      queue.Store
	Catalog    resolver.Catalog
	Candidates bulk.Store
	News       ingestion.NewsStore
	Errors     ErrorStore
}

// PostgresStores binds every store to the PostgreSQL repositories.
func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Runs:       database.NewPostgresSyncRunRepository(db),
		Hashes:     database.NewPostgresEntityHashRepository(db),
		Tasks:      database.NewPostgresQueueRepository(db),
		Catalog:    database.NewPostgresCatalogRepository(db),
		Candidates: database.NewPostgresCandidateRepository(db),
		News:       database.NewPostgresNewsRepository(db),
		Errors:     database.NewPostgresIngestionErrorRepository(db),
	}
}

// MemoryStores binds every store to one in-memory store.
func MemoryStores(m *database.Memory) Stores {
	return Stores{
		Runs:       m,
		Hashes:     m,
		Tasks:      m,
		Catalog:    m,
		Candidates: m,
		News:       m,
		Errors:     m,
	}
}

// Options carries optional collaborators. Zero values fall back to the real
// clock, slog.Default and no metrics.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Registry
	// Fetchers overrides the HTTP fetcher per source, mainly for tests.
	Fetchers map[string]ingestion.Fetcher
}

// App is the assembled pipeline.
type App struct {
	Config    config.Config
	Stores    Stores
	Ledger    *ledger.Ledger
	Queue     *queue.Queue
	Detector  *changedetect.Detector
	Resolver  *resolver.Resolver
	Committer *bulk.Committer
	Runner    *ingestion.Runner
	Processor *queue.Processor
	Metrics   *metrics.Registry

	clock  clock.Clock
	logger *slog.Logger
}

// New wires the pipeline. Sources without configured URLs are not
// registered.
func New(cfg config.Config, stores Stores, opts Options) (*App, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:  cfg,
		Stores:  stores,
		Metrics: opts.Metrics,
		clock:   clk,
		logger:  logger,
	}

	a.Ledger = ledger.New(stores.Runs, clk, ledger.Config{
		StaleAfter:   cfg.Sync.StaleRunAfter,
		StatusWindow: cfg.Sync.StatusWindow,
	}, logging.Component(logger, "ledger"))

	a.Queue = queue.New(stores.Tasks, clk, queue.Config{
		Backoff:     queue.BackoffPolicy{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax, Factor: 2},
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, logging.Component(logger, "queue"))

	a.Detector = changedetect.New(stores.Hashes, clk, logging.Component(logger, "changedetect"))
	a.Resolver = resolver.New(stores.Catalog, logging.Component(logger, "resolver"))
	a.Committer = bulk.NewCommitter(stores.Candidates, clk, bulk.CommitterConfig{
		Source:        ingestion.SourceCandidates,
		BaselineScore: cfg.Sync.BaselineScore,
	}, logging.Component(logger, "committer"))

	a.Runner = ingestion.NewRunner(a.Ledger, a.Detector, a.Queue, stores.Errors, clk, ingestion.RunnerConfig{
		RunTimeout:     cfg.Sync.RunTimeout,
		ConcurrentRuns: cfg.Sync.ConcurrentRuns,
	}, logging.Component(logger, "runner"))

	a.Processor = queue.NewProcessor(a.Queue, clk, queue.ProcessorConfig{
		PollInterval: cfg.Sync.QueuePoll,
		StaleClaim:   cfg.Sync.StaleClaim,
	}, logging.Component(logger, "processor"))

	if opts.Metrics != nil {
		a.Ledger.SetObserver(opts.Metrics.Pipeline)
		a.Queue.SetObserver(opts.Metrics.Pipeline)
		a.Runner.SetObserver(opts.Metrics.Pipeline)
	}

	fetcher := func(source string, cfgFetch ingestion.FetcherConfig) ingestion.Fetcher {
		if f, ok := opts.Fetchers[source]; ok {
			return f
		}
		var observer ingestion.BreakerObserver
		if opts.Metrics != nil {
			observer = opts.Metrics.Pipeline
		}
		return ingestion.NewHTTPFetcher(source, clk, cfgFetch, observer, logging.Component(logger, "fetcher"))
	}

	if len(cfg.News.Feeds) > 0 {
		news := ingestion.NewNewsWorker(ingestion.NewsWorkerConfig{
			Feeds:    cfg.News.Feeds,
			Keywords: cfg.News.Keywords,
		}, fetcher(ingestion.SourceNews, ingestion.DefaultFetcherConfig(cfg.News.MinDelay)),
			stores.News, a.Resolver, clk, logging.Component(logger, "news"))
		a.register(news)
	} else {
		logger.Warn("no news feeds configured, news source disabled")
	}

	if len(cfg.Import.URLs) > 0 {
		candidates := ingestion.NewCandidateImportWorker(ingestion.CandidateWorkerConfig{
			URLs: cfg.Import.URLs,
		}, fetcher(ingestion.SourceCandidates, ingestion.DefaultFetcherConfig(cfg.Import.MinDelay)),
			a.Resolver, bulk.NewValidator(a.Resolver, cfg.Import.RequireParty), a.Committer,
			logging.Component(logger, "candidates"))
		a.register(candidates)
	} else {
		logger.Warn("no candidate sources configured, candidate import disabled")
	}

	return a, nil
}

func (a *App) register(w ingestion.Worker) {
	a.Runner.Register(w)
	a.Processor.Register(w.Source(), a.Runner)
}

// Jobs returns the cron jobs of every registered source.
func (a *App) Jobs() []scheduler.Job {
	var jobs []scheduler.Job
	for _, source := range a.Runner.Sources() {
		switch source {
		case ingestion.SourceNews:
			jobs = append(jobs, scheduler.Job{Source: source, Schedule: a.Config.News.Schedule})
		case ingestion.SourceCandidates:
			jobs = append(jobs, scheduler.Job{Source: source, Schedule: a.Config.Import.Schedule})
		}
	}
	return jobs
}

// Scheduler builds the cron scheduler for Jobs.
func (a *App) Scheduler() (*scheduler.CronScheduler, error) {
	s, err := scheduler.New(a.Runner, a.Jobs(), logging.Component(a.logger, "scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	return s, nil
}

// Router builds the HTTP handler. A nil authenticator leaves operator routes
// open; ready may be nil.
func (a *App) Router(authn *auth.Authenticator, ready func(ctx context.Context) error) http.Handler {
	return api.NewRouter(api.Dependencies{
		Runner:  a.Runner,
		Ledger:  a.Ledger,
		Queue:   a.Queue,
		Errors:  a.Stores.Errors,
		Auth:    authn,
		Metrics: a.Metrics,
		Ready:   ready,
		Now:     a.clock.Now,
		Logger:  logging.Component(a.logger, "api"),
	})
}

// Now reads the pipeline clock.
func (a *App) Now() time.Time {
	return a.clock.Now()
}
