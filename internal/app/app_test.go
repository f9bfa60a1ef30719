package app

import (
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

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/config"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/ingestion"
	"github.com/votoclaro/electsync/internal/metrics"
	"github.com/votoclaro/electsync/internal/models"
)

const (
	feedURL = "https://diario.example/rss"
	listURL = "https://jne.example/candidatos.json"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Diario</title>
<item>
  <title>JNE publica lista de candidatos de Fuerza Popular</title>
  <link>https://diario.example/politica/jne-lista</link>
  <description>El Jurado Nacional de Elecciones publicó la lista.</description>
  <pubDate>Tue, 10 Mar 2026 14:30:00 -0500</pubDate>
  <category>Fuerza Popular</category>
</item>
<item>
  <title>Clima en Lima</title>
  <link>https://diario.example/clima</link>
  <description>Soleado.</description>
</item>
</channel></rss>`

const listBody = `[
  {"full_name": "Keiko Sofía Fujimori Higuchi", "cargo": "presidente", "party_name": "Fuerza Popular"},
  {"full_name": "Rafael López Aliaga", "cargo": "presidente", "party_name": "Renovación Popular"},
  {"full_name": "Sin Partido", "cargo": "presidente", "party_name": "Partido Inventado"}
]`

type mapFetcher map[string]string

func (m mapFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, ok := m[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(body), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("NEWS_FEEDS", feedURL)
	t.Setenv("CANDIDATE_SOURCES", listURL)
	t.Setenv("SYNC_BASELINE_SCORE", "10")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) (*App, *database.Memory) {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemory()
	require.NoError(t, store.UpsertParty(ctx, models.Party{ID: "p-fp", Name: "Fuerza Popular", ShortName: "FP"}))
	require.NoError(t, store.UpsertParty(ctx, models.Party{ID: "p-rp", Name: "Renovación Popular"}))

	reg, err := metrics.NewRegistry()
	require.NoError(t, err)

	a, err := New(cfg, MemoryStores(store), Options{
		Clock:   clock.NewFake(time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: reg,
		Fetchers: map[string]ingestion.Fetcher{
			ingestion.SourceNews:       mapFetcher{feedURL: feedBody},
			ingestion.SourceCandidates: mapFetcher{listURL: listBody},
		},
	})
	require.NoError(t, err)
	return a, store
}

func TestNewRegistersConfiguredSources(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))

	assert.Equal(t, []string{ingestion.SourceNews, ingestion.SourceCandidates}, a.Runner.Sources())

	jobs := a.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, a.Config.News.Schedule, jobs[0].Schedule)
	assert.Equal(t, a.Config.Import.Schedule, jobs[1].Schedule)

	s, err := a.Scheduler()
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
}

func TestNewSkipsUnconfiguredSources(t *testing.T) {
	t.Setenv("NEWS_FEEDS", "")
	t.Setenv("CANDIDATE_SOURCES", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	a, _ := newTestApp(t, cfg)
	assert.Empty(t, a.Runner.Sources())
	assert.Empty(t, a.Jobs())
}

func TestRunAllEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, store := newTestApp(t, testConfig(t))

	results := a.Runner.RunAll(ctx)
	require.Len(t, results, 2)

	news := results[0]
	assert.Equal(t, models.RunStatusCompleted, news.Status)
	assert.Equal(t, models.RunCounts{Processed: 2, Created: 1, Skipped: 1}, news.Counts)

	candidates := results[1]
	assert.Equal(t, models.RunStatusCompleted, candidates.Status)
	assert.Equal(t, models.RunCounts{Processed: 3, Created: 2, Skipped: 1}, candidates.Counts)

	scores, err := store.ListScores(ctx, models.CargoPresidente)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "10", scores[0].Score.String())

	item, err := store.GetNewsByURL(ctx, "https://diario.example/politica/jne-lista")
	require.NoError(t, err)
	require.NotNil(t, item.PartyID)
	assert.Equal(t, "p-fp", *item.PartyID)
}

func TestRouterTriggersRunAndExposesMetrics(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	router := a.Router(nil, func(context.Context) error { return nil })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/sync/news/trigger", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Created int  `json:"created"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Created)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `electsync_sync_runs_total{source="news",status="completed"} 1`)
	assert.Contains(t, body, `electsync_sync_items_total{outcome="created",source="news"} 1`)
}
