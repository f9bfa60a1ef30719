package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Sync     SyncConfig
	News     NewsSourceConfig
	Import   CandidateSourceConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig holds connection settings for the relational store.
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// SyncConfig tunes the ledger, queue and committer.
type SyncConfig struct {
	StaleRunAfter  time.Duration
	RunTimeout     time.Duration
	StatusWindow   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	QueuePoll      time.Duration
	StaleClaim     time.Duration
	BaselineScore  decimal.Decimal
	ConcurrentRuns int
}

// NewsSourceConfig configures the news feed worker.
type NewsSourceConfig struct {
	Feeds    []string
	Keywords []string
	Schedule string
	MinDelay time.Duration
}

// CandidateSourceConfig configures the candidate bulk import worker.
type CandidateSourceConfig struct {
	URLs         []string
	Schedule     string
	MinDelay     time.Duration
	RequireParty bool
}

// AuthConfig holds operator authentication settings.
type AuthConfig struct {
	JWTSecret         string
	AdminPasswordHash string
	TokenDuration     time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMaxConnections     = 20
	defaultMaxIdleConnections = 5
	defaultConnMaxLifetime    = 5 * time.Minute

	defaultStaleRunAfter  = 60 * time.Minute
	defaultRunTimeout     = 30 * time.Minute
	defaultStatusWindow   = 24 * time.Hour
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffMax     = 1 * time.Hour
	defaultMaxAttempts    = 5
	defaultQueuePoll      = 5 * time.Second
	defaultStaleClaim     = 15 * time.Minute
	defaultConcurrentRuns = 2

	defaultNewsSchedule      = "@every 15m"
	defaultCandidateSchedule = "@every 6h"
	defaultNewsMinDelay      = 2 * time.Second
	defaultCandidateMinDelay = 5 * time.Second

	defaultTokenDuration = 12 * time.Hour
)

var defaultNewsKeywords = []string{
	"elecciones", "electoral", "candidato", "candidata", "candidatura",
	"jne", "onpe", "jurado nacional de elecciones", "plancha presidencial",
	"senado", "diputados", "segunda vuelta", "encuesta",
}

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:                os.Getenv("DATABASE_URL"),
			MaxConnections:     defaultMaxConnections,
			MaxIdleConnections: defaultMaxIdleConnections,
			ConnMaxLifetime:    defaultConnMaxLifetime,
		},
		Sync: SyncConfig{
			StaleRunAfter:  defaultStaleRunAfter,
			RunTimeout:     defaultRunTimeout,
			StatusWindow:   defaultStatusWindow,
			BackoffBase:    defaultBackoffBase,
			BackoffMax:     defaultBackoffMax,
			MaxAttempts:    defaultMaxAttempts,
			QueuePoll:      defaultQueuePoll,
			StaleClaim:     defaultStaleClaim,
			BaselineScore:  decimal.Zero,
			ConcurrentRuns: defaultConcurrentRuns,
		},
		News: NewsSourceConfig{
			Feeds:    splitList(os.Getenv("NEWS_FEEDS")),
			Keywords: defaultNewsKeywords,
			Schedule: getEnv("NEWS_SCHEDULE", defaultNewsSchedule),
			MinDelay: defaultNewsMinDelay,
		},
		Import: CandidateSourceConfig{
			URLs:         splitList(os.Getenv("CANDIDATE_SOURCES")),
			Schedule:     getEnv("CANDIDATE_SCHEDULE", defaultCandidateSchedule),
			MinDelay:     defaultCandidateMinDelay,
			RequireParty: true,
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("ADMIN_JWT_SECRET", "change-this-secret"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			TokenDuration:     defaultTokenDuration,
		},
	}

	durations := []struct {
		key    string
		target *time.Duration
		unit   time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout, time.Second},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout, time.Second},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout, time.Second},
		{"SYNC_STALE_RUN_MINUTES", &cfg.Sync.StaleRunAfter, time.Minute},
		{"SYNC_RUN_TIMEOUT_MINUTES", &cfg.Sync.RunTimeout, time.Minute},
		{"SYNC_STATUS_WINDOW_HOURS", &cfg.Sync.StatusWindow, time.Hour},
		{"QUEUE_BACKOFF_BASE_SECONDS", &cfg.Sync.BackoffBase, time.Second},
		{"QUEUE_BACKOFF_MAX_SECONDS", &cfg.Sync.BackoffMax, time.Second},
		{"QUEUE_POLL_SECONDS", &cfg.Sync.QueuePoll, time.Second},
		{"QUEUE_STALE_CLAIM_MINUTES", &cfg.Sync.StaleClaim, time.Minute},
		{"NEWS_MIN_DELAY_MS", &cfg.News.MinDelay, time.Millisecond},
		{"CANDIDATE_MIN_DELAY_MS", &cfg.Import.MinDelay, time.Millisecond},
		{"ADMIN_TOKEN_HOURS", &cfg.Auth.TokenDuration, time.Hour},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = time.Duration(n) * d.unit
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections},
		{"DB_MAX_IDLE_CONNECTIONS", &cfg.Database.MaxIdleConnections},
		{"QUEUE_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts},
		{"SYNC_CONCURRENT_RUNS", &cfg.Sync.ConcurrentRuns},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := parseNonNegative(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
		}
		*i.target = n
	}

	if cfg.Sync.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: must be at least 1")
	}
	if cfg.Sync.ConcurrentRuns < 1 {
		return Config{}, fmt.Errorf("invalid SYNC_CONCURRENT_RUNS: must be at least 1")
	}
	if cfg.Sync.BackoffMax < cfg.Sync.BackoffBase {
		return Config{}, fmt.Errorf("invalid QUEUE_BACKOFF_MAX_SECONDS: must not be below the base backoff")
	}

	if v := os.Getenv("SYNC_BASELINE_SCORE"); v != "" {
		score, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SYNC_BASELINE_SCORE: %w", err)
		}
		cfg.Sync.BaselineScore = score
	}

	if v := os.Getenv("NEWS_KEYWORDS"); v != "" {
		cfg.News.Keywords = splitList(v)
	}

	if v := os.Getenv("CANDIDATE_REQUIRE_PARTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CANDIDATE_REQUIRE_PARTY: %w", err)
		}
		cfg.Import.RequireParty = b
	}

	for key, spec := range map[string]string{"NEWS_SCHEDULE": cfg.News.Schedule, "CANDIDATE_SCHEDULE": cfg.Import.Schedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	return cfg, nil
}

func parseNonNegative(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
