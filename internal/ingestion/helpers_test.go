package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/votoclaro/electsync/internal/bulk"
	"github.com/votoclaro/electsync/internal/changedetect"
	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/database"
	"github.com/votoclaro/electsync/internal/ledger"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/queue"
	"github.com/votoclaro/electsync/internal/resolver"
)

var t0 = time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{bodies: make(map[string][]byte), errs: make(map[string]error)}
}

func (s *stubFetcher) set(url, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[url] = []byte(body)
	delete(s.errs, url)
}

func (s *stubFetcher) fail(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
}

func (s *stubFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[url]; ok {
		return nil, err
	}
	body, ok := s.bodies[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
}

func (o *outcomeRecorder) ItemOutcome(_ string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[outcome]++
}

type harness struct {
	store    *database.Memory
	clock    *clock.Fake
	ledger   *ledger.Ledger
	queue    *queue.Queue
	detector *changedetect.Detector
	resolver *resolver.Resolver
	fetcher  *stubFetcher
	runner   *Runner
	observed *outcomeRecorder
}

func newHarness(t *testing.T, cfg RunnerConfig) *harness {
	t.Helper()
	ctx := context.Background()

	store := database.NewMemory()
	require.NoError(t, store.UpsertParty(ctx, models.Party{ID: "p-fp", Name: "Fuerza Popular", ShortName: "FP"}))
	require.NoError(t, store.UpsertParty(ctx, models.Party{ID: "p-rp", Name: "Renovación Popular"}))
	require.NoError(t, store.UpsertDistrict(ctx, models.District{ID: "d-lima", Name: "Lima"}))

	clk := clock.NewFake(t0)
	h := &harness{
		store:    store,
		clock:    clk,
		ledger:   ledger.New(store, clk, ledger.Config{StaleAfter: time.Hour, StatusWindow: 24 * time.Hour}, nil),
		queue:    queue.New(store, clk, queue.Config{}, nil),
		detector: changedetect.New(store, clk, nil),
		resolver: resolver.New(store, nil),
		fetcher:  newStubFetcher(),
		observed: &outcomeRecorder{},
	}
	h.runner = NewRunner(h.ledger, h.detector, h.queue, store, clk, cfg, nil)
	h.runner.SetObserver(h.observed)
	return h
}

func (h *harness) newsWorker(feeds ...string) *NewsWorker {
	return NewNewsWorker(NewsWorkerConfig{Feeds: feeds, Keywords: []string{"elecciones", "JNE", "jurado nacional de elecciones"}},
		h.fetcher, h.store, h.resolver, h.clock, nil)
}

func (h *harness) candidateWorker(requireParty bool, urls ...string) *CandidateImportWorker {
	committer := bulk.NewCommitter(h.store, h.clock, bulk.CommitterConfig{Source: SourceCandidates}, nil)
	return NewCandidateImportWorker(CandidateWorkerConfig{URLs: urls}, h.fetcher, h.resolver,
		bulk.NewValidator(h.resolver, requireParty), committer, nil)
}

// scriptedWorker is a worker whose behaviour is set per test.
type scriptedWorker struct {
	source    string
	items     []RawItem
	fetch     func(ctx context.Context) error
	normalize func(item RawItem) (Item, error)
	commit    func(items []Item) (CommitReport, error)
}

func (w *scriptedWorker) Source() string { return w.source }

func (w *scriptedWorker) Fetch(ctx context.Context, _ string) ([]RawItem, error) {
	if w.fetch != nil {
		if err := w.fetch(ctx); err != nil {
			return nil, err
		}
	}
	return w.items, nil
}

func (w *scriptedWorker) IsRelevant(RawItem) bool { return true }

func (w *scriptedWorker) Normalize(_ context.Context, item RawItem) (Item, error) {
	if w.normalize != nil {
		return w.normalize(item)
	}
	key, _ := item.Data.(string)
	return Item{EntityType: "thing", NaturalKey: key, Payload: map[string]string{"key": key}}, nil
}

func (w *scriptedWorker) Commit(_ context.Context, items []Item) (CommitReport, error) {
	if w.commit != nil {
		return w.commit(items)
	}
	report := CommitReport{}
	for _, it := range items {
		report.Results = append(report.Results, ItemResult{NaturalKey: it.NaturalKey, Outcome: OutcomeCreated})
	}
	return report, nil
}

func (w *scriptedWorker) Retry(context.Context, models.QueueTask) (Item, error) {
	return Item{}, errors.New("not supported")
}
