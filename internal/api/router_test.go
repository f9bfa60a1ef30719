package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/auth"
	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/config"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/metrics"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
)

var t0 = time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

type fakeRunner struct {
	sources []string
	run     func(ctx context.Context, source, cursor string) (ingestion.RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, source, cursor string) (ingestion.RunResult, error) {
	return f.run(ctx, source, cursor)
}

func (f *fakeRunner) Sources() []string { return f.sources }

type fixture struct {
	store   *database.Memory
	clock   *clock.Fake
	ledger  *ledger.Ledger
	queue   *queue.Queue
	runner  *fakeRunner
	metrics *metrics.Registry
	router  http.Handler
}

func newFixture(t *testing.T, authenticator *auth.Authenticator) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: database.NewMemory(), clock: clock.NewFake(t0)}
	f.ledger = ledger.New(f.store, f.clock, ledger.Config{}, logger)
	f.queue = queue.New(f.store, f.clock, queue.Config{}, logger)
	f.runner = &fakeRunner{sources: []string{"news", "candidates"}}

	reg, err := metrics.NewRegistry()
	require.NoError(t, err)
	f.metrics = reg

	f.router = NewRouter(Dependencies{
		Runner:  f.runner,
		Ledger:  f.ledger,
		Queue:   f.queue,
		Errors:  f.store,
		Auth:    authenticator,
		Metrics: reg,
		Now:     f.clock.Now,
		Logger:  logger,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestTriggerReturnsRunSummary(t *testing.T) {
	f := newFixture(t, nil)
	var gotCursor string
	f.runner.run = func(ctx context.Context, source, cursor string) (ingestion.RunResult, error) {
		gotCursor = cursor
		return ingestion.RunResult{
			Source:     source,
			RunID:      "run-1",
			Status:     models.RunStatusCompleted,
			Counts:     models.RunCounts{Processed: 5, Created: 2, Updated: 1, Skipped: 1, Errors: 1},
			Errors:     []string{"https://x.example/a: boom"},
			Deferred:   1,
			DurationMs: 1200,
		}, nil
	}

	rr := f.do(t, http.MethodPost, "/api/sync/news/trigger", TriggerRequest{SinceCursor: "2026-03-01T00:00:00Z"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "2026-03-01T00:00:00Z", gotCursor)

	var resp TriggerResponse
	decode(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "news", resp.Source)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, 5, resp.Processed)
	assert.Equal(t, 2, resp.Created)
	assert.Equal(t, 1, resp.Updated)
	assert.Equal(t, 1, resp.Skipped)
	assert.Equal(t, 1, resp.ErrorCount)
	assert.Equal(t, []string{"https://x.example/a: boom"}, resp.Errors)
	assert.Equal(t, int64(1200), resp.DurationMs)
}

func TestTriggerWithoutBody(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.run = func(ctx context.Context, source, cursor string) (ingestion.RunResult, error) {
		assert.Empty(t, cursor)
		return ingestion.RunResult{Source: source, RunID: "run-2", Status: models.RunStatusCompleted}, nil
	}

	rr := f.do(t, http.MethodPost, "/api/sync/candidates/trigger", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, string(mustField(t, rr, "errors")))
}

func TestTriggerErrors(t *testing.T) {
	tests := []struct {
		name   string
		result ingestion.RunResult
		err    error
		want   int
	}{
		{"unknown source", ingestion.RunResult{}, ingestion.ErrUnknownSource, http.StatusNotFound},
		{"run in progress", ingestion.RunResult{}, ledger.ErrRunInProgress, http.StatusConflict},
		{"stale run", ingestion.RunResult{}, ledger.ErrStaleRun, http.StatusConflict},
		{"store down", ingestion.RunResult{}, errors.New("connection refused"), http.StatusInternalServerError},
		{
			"failed run",
			ingestion.RunResult{RunID: "run-3", Status: models.RunStatusFailed, Error: "fetch failed: 503"},
			errors.New("fetch failed: 503"),
			http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.runner.run = func(ctx context.Context, source, cursor string) (ingestion.RunResult, error) {
				res := tt.result
				res.Source = source
				return res, tt.err
			}
			rr := f.do(t, http.MethodPost, "/api/sync/news/trigger", nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestTriggerRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/news/trigger", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSyncStatusAndRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.ledger.Start(ctx, "news")
	require.NoError(t, err)
	require.NoError(t, f.ledger.IncrementCounters(ctx, first, models.RunCounts{Processed: 3, Created: 3}))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.ledger.Complete(ctx, first))
	f.clock.Advance(time.Minute)
	second, err := f.ledger.Start(ctx, "news")
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status struct {
		Sources []models.SourceStatus `json:"sources"`
	}
	decode(t, rr, &status)
	require.Len(t, status.Sources, 2)
	assert.Equal(t, "news", status.Sources[0].Source)
	require.NotNil(t, status.Sources[0].Latest)
	assert.Equal(t, second, status.Sources[0].Latest.ID)
	assert.Equal(t, 2, status.Sources[0].Recent.Runs)
	assert.Equal(t, 3, status.Sources[0].Recent.Counts.Created)
	assert.Equal(t, "candidates", status.Sources[1].Source)
	assert.Nil(t, status.Sources[1].Latest)

	rr = f.do(t, http.MethodGet, "/api/sync/runs?source=news&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var runs struct {
		Runs  []models.SyncRun `json:"runs"`
		Count int              `json:"count"`
	}
	decode(t, rr, &runs)
	require.Equal(t, 1, runs.Count)
	assert.Equal(t, second, runs.Runs[0].ID)

	rr = f.do(t, http.MethodGet, "/api/sync/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/sync/runs/"+first, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var run models.SyncRun
	decode(t, rr, &run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	rr = f.do(t, http.MethodGet, "/api/sync/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAbandonRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	id, err := f.ledger.Start(ctx, "news")
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/sync/runs/"+id+"/abandon", AbandonRequest{Reason: "worker host lost"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var run models.SyncRun
	decode(t, rr, &run)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "worker host lost")

	rr = f.do(t, http.MethodPost, "/api/sync/runs/"+id+"/abandon", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/sync/runs/missing/abandon", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, err = f.ledger.Start(ctx, "news")
	assert.NoError(t, err)
}

func TestQueueEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	failedID, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Source: "news", EntityType: "news_item", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{Source: "candidates", EntityType: "candidate", Delay: time.Hour})
	require.NoError(t, err)

	claimed, err := f.queue.ClaimNext(ctx, "news")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	failed, err := f.queue.Fail(ctx, claimed.ID, errors.New("duplicate key"))
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusFailed, failed.Status)

	rr := f.do(t, http.MethodGet, "/api/queue/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Tasks []models.QueueTask `json:"tasks"`
		Count int                `json:"count"`
	}
	decode(t, rr, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, failedID, list.Tasks[0].ID)

	rr = f.do(t, http.MethodGet, "/api/queue/tasks?source=candidates", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &list)
	assert.Equal(t, 1, list.Count)

	rr = f.do(t, http.MethodGet, "/api/queue/tasks?status=stuck", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Sources []models.QueueStats `json:"sources"`
	}
	decode(t, rr, &stats)
	assert.Len(t, stats.Sources, 2)

	rr = f.do(t, http.MethodPost, "/api/queue/tasks/"+failedID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var task models.QueueTask
	decode(t, rr, &task)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	rr = f.do(t, http.MethodPost, "/api/queue/tasks/"+failedID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/queue/tasks/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestIngestionErrorEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.store.StoreError(ctx, models.IngestionError{
		ID: "e-1", Source: "news", ErrorType: string(models.ErrorTypeFetchFailed), ErrorMsg: "503", CreatedAt: t0,
	}))

	rr := f.do(t, http.MethodGet, "/api/ingestion-errors?unresolved_only=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Count           int `json:"count"`
		UnresolvedCount int `json:"unresolved_count"`
	}
	decode(t, rr, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 1, body.UnresolvedCount)

	rr = f.do(t, http.MethodPost, "/api/ingestion-errors/e-1/resolve", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/ingestion-errors?unresolved_only=true", nil)
	decode(t, rr, &body)
	assert.Equal(t, 0, body.Count)

	rr = f.do(t, http.MethodPost, "/api/ingestion-errors/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	authenticator := auth.New(config.AuthConfig{
		JWTSecret:         "test-secret",
		AdminPasswordHash: hash,
		TokenDuration:     time.Hour,
	}, clock.NewFake(t0))
	f := newFixture(t, authenticator)

	rr := f.do(t, http.MethodGet, "/api/sync/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Password: "s3cret"})
	require.Equal(t, http.StatusOK, rr.Code)
	var login LoginResponse
	decode(t, rr, &login)
	require.NotEmpty(t, login.Token)
	assert.Equal(t, t0.Add(time.Hour), login.ExpiresAt.UTC())

	rr = f.do(t, http.MethodGet, "/api/sync/status", nil, "Authorization", "Bearer "+login.Token)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/auth/validate", nil, "Authorization", "Bearer "+login.Token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"valid":true,"subject":"operator"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLoginIsThrottled(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	authenticator := auth.New(config.AuthConfig{JWTSecret: "x", AdminPasswordHash: hash, TokenDuration: time.Hour}, nil)
	f := newFixture(t, authenticator)

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		codes = append(codes, f.do(t, http.MethodPost, "/api/auth/login", LoginRequest{Password: "wrong"}).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[5])
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/sync/runs/abc", nil)

	rr := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/api/sync/runs/{id}"`)
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodOptions, "/api/sync/status", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func mustField(t *testing.T, rr *httptest.ResponseRecorder, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	v, ok := m[key]
	require.True(t, ok, "missing %s in %s", key, rr.Body.String())
	return v
}
