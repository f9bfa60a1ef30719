package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
)

const feedURL = "https://diario.example/rss"

func TestNewsRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	first, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, first.Status)
	assert.Equal(t, models.RunCounts{Processed: 2, Created: 1, Skipped: 1}, first.Counts)

	h.clock.Advance(15 * time.Minute)
	second, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 2, Skipped: 2}, second.Counts)

	n, err := h.store.CountNews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := h.store.GetNewsByURL(ctx, "https://diario.example/politica/jne-lista")
	require.NoError(t, err)
	assert.Equal(t, "JNE publica la lista de candidatos", item.Title)
	assert.Equal(t, "El Jurado Nacional de Elecciones publicó la lista.", item.Summary)
	require.NotNil(t, item.PartyID)
	assert.Equal(t, "p-fp", *item.PartyID)
	assert.False(t, item.NeedsReview)

	stored, err := h.ledger.Get(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 2, Created: 1, Skipped: 1}, stored.Counts)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
}

func TestNewsRunUpdatesChangedArticle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	_, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)

	h.fetcher.set(feedURL, strings.Replace(rssSample, "JNE publica la lista de candidatos", "JNE publica la lista final de candidatos", 1))
	res, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Updated)
	assert.Equal(t, 0, res.Counts.Created)

	item, err := h.store.GetNewsByURL(ctx, "https://diario.example/politica/jne-lista")
	require.NoError(t, err)
	assert.Equal(t, "JNE publica la lista final de candidatos", item.Title)
}

func TestNewsRunIgnoresCosmeticWhitespace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	_, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)

	h.fetcher.set(feedURL, strings.Replace(rssSample, "JNE publica la lista", "JNE   publica la lista", 1))
	res, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counts.Updated)
	assert.Equal(t, 2, res.Counts.Skipped)
}

func TestFetchFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.fail(feedURL, errors.New("connection reset by peer"))
	h.runner.Register(h.newsWorker(feedURL))

	res, err := h.runner.Run(ctx, SourceNews, "")
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)

	run, err := h.ledger.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "connection reset by peer")

	errs, err := h.store.ListErrors(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, string(models.ErrorTypeFetchFailed), errs[0].ErrorType)
	assert.Equal(t, res.RunID, errs[0].RunID)
}

func TestPartialFeedFailureKeepsRunAlive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.fetcher.fail("https://caido.example/rss", errors.New("timeout"))
	h.runner.Register(h.newsWorker("https://caido.example/rss", feedURL))

	res, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Counts.Created)
}

func TestNewsCursorFiltersOlderEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	res, err := h.runner.Run(ctx, SourceNews, "2026-03-11T00:00:00Z")
	require.NoError(t, err)
	// the dated entry is older than the cursor; the undated one is kept
	assert.Equal(t, 1, res.Counts.Processed)
	assert.Equal(t, 0, res.Counts.Created)
}

func TestCancelledRunIsClosed(t *testing.T) {
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.runner.Run(ctx, SourceNews, "")
	require.ErrorIs(t, err, context.Canceled)

	run, err := h.ledger.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	latest, err := h.store.RunningRun(context.Background(), SourceNews)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRunTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, RunnerConfig{RunTimeout: 20 * time.Millisecond})
	h.runner.Register(&scriptedWorker{
		source: "slow",
		fetch: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	res, err := h.runner.Run(context.Background(), "slow", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.RunStatusFailed, res.Status)
}

func TestPanickingWorkerFailsRun(t *testing.T) {
	h := newHarness(t, RunnerConfig{})
	h.runner.Register(&scriptedWorker{
		source: "flaky",
		items:  []RawItem{{Data: "a"}},
		normalize: func(RawItem) (Item, error) {
			panic("nil map write")
		},
	})

	res, err := h.runner.Run(context.Background(), "flaky", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker panicked: nil map write")

	run, err := h.ledger.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestNormalizeErrorsAreCountedNotFatal(t *testing.T) {
	h := newHarness(t, RunnerConfig{})
	h.runner.Register(&scriptedWorker{
		source: "mixed",
		items:  []RawItem{{Data: "good"}, {Data: "bad"}, {Data: "fine"}},
		normalize: func(item RawItem) (Item, error) {
			key := item.Data.(string)
			if key == "bad" {
				return Item{}, errors.New("missing title")
			}
			return Item{EntityType: "thing", NaturalKey: key, Payload: key}, nil
		},
	})

	res, err := h.runner.Run(context.Background(), "mixed", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 3, Created: 2, Errors: 1}, res.Counts)
	assert.Equal(t, []string{"missing title"}, res.Errors)
}

func TestConcurrentRunOfSameSourceRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.runner.Register(h.newsWorker(feedURL))

	_, err := h.ledger.Start(ctx, SourceNews)
	require.NoError(t, err)

	_, err = h.runner.Run(ctx, SourceNews, "")
	require.ErrorIs(t, err, ledger.ErrRunInProgress)
}

func TestUnknownSource(t *testing.T) {
	h := newHarness(t, RunnerConfig{})
	_, err := h.runner.Run(context.Background(), "tv", "")
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestFailedCommitIsDeferredAndRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))
	h.store.NewsWriteHook = func(models.NewsItem) error { return errors.New("deadlock detected") }

	res, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Counts.Errors)
	assert.Equal(t, 1, res.Deferred)

	tasks, err := h.queue.List(ctx, models.TaskFilter{Source: SourceNews})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].EntityID)
	assert.Equal(t, "https://diario.example/politica/jne-lista", *tasks[0].EntityID)
	assert.Equal(t, res.RunID, tasks[0].Metadata["run_id"])
	assert.Equal(t, queue.DefaultPriority, tasks[0].Priority)

	errs, err := h.store.ListErrors(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, string(models.ErrorTypeCommitFailed), errs[0].ErrorType)

	h.store.NewsWriteHook = nil
	processor := queue.NewProcessor(h.queue, h.clock, queue.ProcessorConfig{}, nil)
	processor.Register(SourceNews, h.runner)

	claimed, err := processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	task, err := h.queue.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	_, err = h.store.GetNewsByURL(ctx, "https://diario.example/politica/jne-lista")
	require.NoError(t, err)

	again, err := h.runner.Run(ctx, SourceNews, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 2, Skipped: 2}, again.Counts)
}

func TestExhaustedRetryIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	h.runner.Register(h.newsWorker(feedURL))

	task := models.QueueTask{ID: "t-1", Source: SourceNews, Attempts: 2, MaxAttempts: 3, Metadata: map[string]interface{}{}}
	err := h.runner.HandleTask(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carries no payload")

	errs, err := h.store.ListErrors(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, string(models.ErrorTypeRetryExhausted), errs[0].ErrorType)
	assert.JSONEq(t, `{"task_id":"t-1","attempts":3}`, errs[0].Metadata)
}

func TestCandidateImportRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, RunnerConfig{})
	listURL := "https://jne.example/candidatos.json"
	h.fetcher.set(listURL, `[
		{"full_name": "Keiko Fujimori", "cargo": "presidente", "party_name": "Fuerza Popular"},
		{"full_name": "Juan Nadie", "cargo": "senador", "party_name": "Partido Fantasma"},
		{"full_name": "Sin Cargo", "cargo": ""},
		{"full_name": "Rosa Quispe", "cargo": "diputado", "party_name": "FP", "district_name": "Lima"}
	]`)
	h.runner.Register(h.candidateWorker(true, listURL))

	res, err := h.runner.Run(ctx, SourceCandidates, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 4, Created: 2, Skipped: 2}, res.Counts)

	c, err := h.store.GetCandidate(ctx, "rosa quispe", models.CargoDiputado)
	require.NoError(t, err)
	require.NotNil(t, c.DistrictID)
	assert.Equal(t, "d-lima", *c.DistrictID)

	scores, err := h.store.ListScores(ctx, models.CargoPresidente)
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	errs, err := h.store.ListErrors(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, string(models.ErrorTypeValidationFailed), errs[0].ErrorType)
	assert.Equal(t, "juan nadie|senador", errs[0].NaturalKey)

	second, err := h.runner.Run(ctx, SourceCandidates, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Processed: 4, Skipped: 4}, second.Counts)
}

func TestRunAllRunsEverySource(t *testing.T) {
	h := newHarness(t, RunnerConfig{ConcurrentRuns: 2})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))
	h.runner.Register(&scriptedWorker{source: "scripted", items: []RawItem{{Data: "x"}}})
	h.runner.Register(&scriptedWorker{source: "broken", fetch: func(context.Context) error { return errors.New("dns failure") }})

	results := h.runner.RunAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, SourceNews, results[0].Source)
	assert.Equal(t, models.RunStatusCompleted, results[0].Status)
	assert.Equal(t, "scripted", results[1].Source)
	assert.Equal(t, 1, results[1].Counts.Created)
	assert.Equal(t, models.RunStatusFailed, results[2].Status)
	assert.Contains(t, results[2].Error, "dns failure")
}

func TestObserverSeesOutcomes(t *testing.T) {
	h := newHarness(t, RunnerConfig{})
	h.fetcher.set(feedURL, rssSample)
	h.runner.Register(h.newsWorker(feedURL))

	_, err := h.runner.Run(context.Background(), SourceNews, "")
	require.NoError(t, err)
	_, err = h.runner.Run(context.Background(), SourceNews, "")
	require.NoError(t, err)

	assert.Equal(t, 1, h.observed.outcomes[OutcomeCreated])
	assert.Equal(t, 2, h.observed.outcomes[OutcomeIrrelevant])
	assert.Equal(t, 1, h.observed.outcomes[OutcomeUnchanged])
}
