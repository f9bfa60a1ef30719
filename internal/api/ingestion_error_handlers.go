package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/models"
)

// IngestionErrorStore lists and resolves recorded per-item failures.
type IngestionErrorStore interface {
	ListErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]models.IngestionError, error)
	ResolveError(ctx context.Context, id string, now time.Time) error
	CountUnresolved(ctx context.Context) (int, error)
}

type IngestionErrorHandler struct {
	repo   IngestionErrorStore
	now    func() time.Time
	logger *slog.Logger
}

func NewIngestionErrorHandler(repo IngestionErrorStore, now func() time.Time, logger *slog.Logger) *IngestionErrorHandler {
	if now == nil {
		now = time.Now
	}
	return &IngestionErrorHandler{repo: repo, now: now, logger: logger}
}

// ListErrors returns ingestion errors with optional filtering
// GET /api/ingestion-errors?limit=100&unresolved_only=true
func (h *IngestionErrorHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	unresolvedOnly := r.URL.Query().Get("unresolved_only") == "true"

	ctx := r.Context()
	errs, err := h.repo.ListErrors(ctx, limit, unresolvedOnly)
	if err != nil {
		h.logger.Error("failed to list ingestion errors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list errors")
		return
	}
	if errs == nil {
		errs = []models.IngestionError{}
	}

	unresolvedCount, err := h.repo.CountUnresolved(ctx)
	if err != nil {
		h.logger.Error("failed to count unresolved errors", "error", err)
		unresolvedCount = 0
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors":           errs,
		"count":            len(errs),
		"unresolved_count": unresolvedCount,
	})
}

// ResolveError marks an error as resolved
// POST /api/ingestion-errors/{id}/resolve
func (h *IngestionErrorHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.repo.ResolveError(r.Context(), id, h.now())
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ingestion error %s not found", id)
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve ingestion error", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve error")
		return
	}

	h.logger.Info("ingestion error resolved", "id", id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
