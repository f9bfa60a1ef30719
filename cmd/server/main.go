package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/votoclaro/electsync/internal/app"
	"github.com/votoclaro/electsync/internal/auth"
	"github.com/votoclaro/electsync/internal/config"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/logging"
	"github.com/votoclaro/electsync/internal/metrics"
	"github.com/votoclaro/electsync/internal/server"
	"github.com/votoclaro/electsync/internal/supervisor"
	"github.com/votoclaro/electsync/migrations"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting electsync")

	var (
		stores app.Stores
		ready  func(ctx context.Context) error
	)
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		stores = app.MemoryStores(database.NewMemory())
	} else {
		db, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		stores = app.PostgresStores(db)
		ready = func(ctx context.Context) error { return database.HealthCheck(ctx, db) }
	}

	registry, err := metrics.NewRegistry()
	if err != nil {
		logger.Error("failed to build metrics registry", "error", err)
		return err
	}

	a, err := app.New(cfg, stores, app.Options{Logger: logger, Metrics: registry})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return err
	}

	sched, err := a.Scheduler()
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		return err
	}

	var authn *auth.Authenticator
	if cfg.Auth.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, operator routes are unauthenticated")
	} else {
		authn = auth.New(cfg.Auth, nil)
	}

	httpServer := server.New(cfg.Server, logging.Component(logger, "server"), a.Router(authn, ready))

	tree := supervisor.New(logging.Component(logger, "supervisor"), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout * 2,
	})
	tree.AddAPIService(httpServer)
	tree.AddPipelineService(a.Processor)
	tree.AddPipelineService(sched)

	logger.Info("services starting",
		"port", cfg.Server.Port,
		"sources", a.Runner.Sources(),
		"jobs", len(a.Jobs()),
	)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
		return err
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", "count", len(report))
	}
	logger.Info("electsync stopped")
	return nil
}

func connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	dbCfg.MaxIdleConnections = cfg.Database.MaxIdleConnections
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

	logger.Info("connecting to database")
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	if err := database.RunMigrations(ctx, db, migrations.FS, logging.Component(logger, "migrations")); err != nil {
		logger.Error("failed to run migrations", "error", err)
		db.Close()
		return nil, err
	}
	logger.Info("database ready", "pool", database.Stats(db))
	return db, nil
}
