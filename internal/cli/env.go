package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/votoclaro/electsync/internal/app"
	"github.com/votoclaro/electsync/internal/config"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/logging"
)

// Env is an opened pipeline. DB is nil when the pipeline is not backed by
// PostgreSQL.
type Env struct {
	App *app.App
	DB  *sql.DB
}

// Close releases the database connection.
func (e *Env) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// Opener assembles the pipeline for one command invocation.
type Opener func(ctx context.Context, opts *RootOptions) (*Env, error)

// OpenPostgres loads the environment configuration and connects to the
// database named by --database-url or DATABASE_URL. Logs go to stderr.
func OpenPostgres(ctx context.Context, opts *RootOptions) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DatabaseURL != "" {
		cfg.Database.URL = opts.DatabaseURL
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("no database configured: set --database-url or DATABASE_URL")
	}

	logger, err := logging.NewWithWriter(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.Database.URL
	dbCfg.MaxConnections = 4
	dbCfg.MaxIdleConnections = 1
	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	a, err := app.New(cfg, app.PostgresStores(db), app.Options{Logger: logger})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Env{App: a, DB: db}, nil
}

// withEnv opens the pipeline, runs fn and closes it again.
func withEnv(ctx context.Context, opts *RootOptions, fn func(env *Env) error) error {
	env, err := opts.open(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open pipeline", err)
	}
	defer env.Close()
	return fn(env)
}
