// Package api exposes the operator HTTP surface: manual triggers, run and
// queue inspection, and the operator overrides.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/votoclaro/electsync/internal/auth"
	"github.com/votoclaro/electsync/internal/metrics"
)

// Dependencies wires the router. Auth and Metrics are optional; without Auth
// the operator routes are open.
type Dependencies struct {
	Runner  SyncRunner
	Ledger  RunLedger
	Queue   TaskQueue
	Errors  IngestionErrorStore
	Auth    *auth.Authenticator
	Metrics *metrics.Registry
	Ready   func(ctx context.Context) error
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewRouter builds the chi router serving every HTTP endpoint.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	syncHandler := NewSyncHandler(deps.Runner, deps.Ledger, logger)
	queueHandler := NewQueueHandler(deps.Queue, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTP.InstrumentHandler)
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "not ready")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api", func(r chi.Router) {
		if deps.Auth != nil {
			authHandler := NewAuthHandler(deps.Auth, logger)
			r.With(throttle(rate.Every(12*time.Second), 5)).Post("/auth/login", authHandler.Login)
			r.With(deps.Auth.Middleware).Get("/auth/validate", authHandler.ValidateToken)
		}

		r.Group(func(r chi.Router) {
			if deps.Auth != nil {
				r.Use(deps.Auth.Middleware)
			}

			r.Route("/sync", func(r chi.Router) {
				r.Get("/status", syncHandler.Status)
				r.Get("/runs", syncHandler.ListRuns)
				r.Get("/runs/{id}", syncHandler.GetRun)
				r.Post("/runs/{id}/abandon", syncHandler.AbandonRun)
				r.Post("/{source}/trigger", syncHandler.Trigger)
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/tasks", queueHandler.ListTasks)
				r.Get("/stats", queueHandler.Stats)
				r.Post("/tasks/{id}/requeue", queueHandler.Requeue)
			})

			if deps.Errors != nil {
				errorHandler := NewIngestionErrorHandler(deps.Errors, deps.Now, logger)
				r.Get("/ingestion-errors", errorHandler.ListErrors)
				r.Post("/ingestion-errors/{id}/resolve", errorHandler.ResolveError)
			}
		})
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// throttle applies one shared token bucket to the wrapped routes.
func throttle(every rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(every, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "12")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
