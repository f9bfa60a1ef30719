package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/models"
)

// SyncRunner executes sync runs on demand.
type SyncRunner interface {
	Run(ctx context.Context, source, cursor string) (ingestion.RunResult, error)
	Sources() []string
}

// RunLedger answers run queries and operator actions.
type RunLedger interface {
	Status(ctx context.Context, known []string) ([]models.SourceStatus, error)
	ListRecent(ctx context.Context, source string, limit int) ([]models.SyncRun, error)
	Get(ctx context.Context, runID string) (*models.SyncRun, error)
	Abandon(ctx context.Context, runID, reason string) error
}

// SyncHandler serves the /api/sync endpoints.
type SyncHandler struct {
	runner SyncRunner
	ledger RunLedger
	logger *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(runner SyncRunner, ledger RunLedger, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{runner: runner, ledger: ledger, logger: logger}
}

// TriggerRequest is the optional body of a manual trigger.
type TriggerRequest struct {
	SinceCursor string `json:"since_cursor"`
}

// TriggerResponse reports the outcome of a manually triggered run.
type TriggerResponse struct {
	Success    bool             `json:"success"`
	Source     string           `json:"source"`
	RunID      string           `json:"run_id,omitempty"`
	Status     models.RunStatus `json:"status,omitempty"`
	Processed  int              `json:"processed"`
	Created    int              `json:"created"`
	Updated    int              `json:"updated"`
	Skipped    int              `json:"skipped"`
	ErrorCount int              `json:"error_count"`
	Errors     []string         `json:"errors"`
	Deferred   int              `json:"deferred"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

func newTriggerResponse(res ingestion.RunResult) TriggerResponse {
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	return TriggerResponse{
		Success:    res.Error == "" && res.Status == models.RunStatusCompleted,
		Source:     res.Source,
		RunID:      res.RunID,
		Status:     res.Status,
		Processed:  res.Counts.Processed,
		Created:    res.Counts.Created,
		Updated:    res.Counts.Updated,
		Skipped:    res.Counts.Skipped,
		ErrorCount: res.Counts.Errors,
		Errors:     errs,
		Deferred:   res.Deferred,
		DurationMs: res.DurationMs,
		Error:      res.Error,
	}
}

// Trigger handles POST /api/sync/{source}/trigger. The run is detached from
// the request context so a dropped client does not abort it.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	var req TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	res, err := h.runner.Run(context.WithoutCancel(r.Context()), source, req.SinceCursor)
	switch {
	case errors.Is(err, ingestion.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown source %q", source)
		return
	case errors.Is(err, ledger.ErrRunInProgress), errors.Is(err, ledger.ErrStaleRun):
		writeError(w, http.StatusConflict, "%v", err)
		return
	case err != nil && res.RunID == "":
		h.logger.Error("failed to start sync run", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync run")
		return
	}

	resp := newTriggerResponse(res)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.ledger.Status(r.Context(), h.runner.Sources())
	if err != nil {
		h.logger.Error("failed to load sync status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load sync status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": statuses})
}

// ListRuns handles GET /api/sync/runs?source=&limit=.
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	source := r.URL.Query().Get("source")

	runs, err := h.ledger.ListRecent(r.Context(), source, limit)
	if err != nil {
		h.logger.Error("failed to list sync runs", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sync runs")
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// GetRun handles GET /api/sync/runs/{id}.
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "sync run %s not found", id)
		return
	}
	if err != nil {
		h.logger.Error("failed to get sync run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get sync run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// AbandonRequest carries the operator's reason.
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// AbandonRun handles POST /api/sync/runs/{id}/abandon.
func (h *SyncHandler) AbandonRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AbandonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	err := h.ledger.Abandon(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, ledger.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "sync run %s not found", id)
		return
	case errors.Is(err, ledger.ErrRunFinished):
		writeError(w, http.StatusConflict, "sync run %s already finished", id)
		return
	case err != nil:
		h.logger.Error("failed to abandon sync run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to abandon sync run")
		return
	}

	run, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "run_id": id})
		return
	}
	writeJSON(w, http.StatusOK, run)
}
