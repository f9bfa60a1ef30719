package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/votoclaro/electsync/internal/bulk"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/textnorm"
)

const (
	// SourceCandidates identifies the candidate bulk import worker.
	SourceCandidates = "candidates"

	entityTypeCandidate = "candidate"
)

// CandidateWorkerConfig configures the candidate import worker.
type CandidateWorkerConfig struct {
	URLs []string
}

// BatchValidator validates one candidate record.
type BatchValidator interface {
	ValidateOne(rec models.CandidateRecord) (bulk.ValidRecord, []string)
}

// BatchCommitter writes validated candidates.
type BatchCommitter interface {
	Commit(ctx context.Context, valid []bulk.ValidRecord) (bulk.CommitResult, error)
}

// CandidateImportWorker ingests candidate lists published as JSON arrays.
type CandidateImportWorker struct {
	urls      []string
	fetcher   Fetcher
	resolver  Resolver
	validator BatchValidator
	committer BatchCommitter
	logger    *slog.Logger
}

// NewCandidateImportWorker creates the candidate worker.
func NewCandidateImportWorker(cfg CandidateWorkerConfig, fetcher Fetcher, resolver Resolver, validator BatchValidator, committer BatchCommitter, logger *slog.Logger) *CandidateImportWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CandidateImportWorker{
		urls:      append([]string(nil), cfg.URLs...),
		fetcher:   fetcher,
		resolver:  resolver,
		validator: validator,
		committer: committer,
		logger:    logger.With("source", SourceCandidates),
	}
}

// Source returns the worker's source name.
func (w *CandidateImportWorker) Source() string {
	return SourceCandidates
}

// Fetch downloads every configured list. Lists that fail to download or
// decode are logged; the fetch fails only when every list failed.
func (w *CandidateImportWorker) Fetch(ctx context.Context, _ string) ([]RawItem, error) {
	if err := w.resolver.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to reload entity catalog: %w", err)
	}

	var (
		items []RawItem
		errs  []error
	)
	for _, u := range w.urls {
		records, err := w.fetchList(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Error("failed to fetch candidate list", "url", u, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		for _, rec := range records {
			items = append(items, RawItem{Origin: u, Data: rec})
		}
		w.logger.Info("fetched candidate list", "url", u, "count", len(records))
	}

	if len(w.urls) > 0 && len(errs) == len(w.urls) {
		return nil, fmt.Errorf("all candidate lists failed: %w", errors.Join(errs...))
	}
	return items, nil
}

func (w *CandidateImportWorker) fetchList(ctx context.Context, u string) ([]models.CandidateRecord, error) {
	body, err := w.fetcher.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	var records []models.CandidateRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode candidate list: %w", err)
	}
	return records, nil
}

// IsRelevant keeps records carrying both a name and a cargo.
func (w *CandidateImportWorker) IsRelevant(item RawItem) bool {
	rec, ok := item.Data.(models.CandidateRecord)
	if !ok {
		return false
	}
	return strings.TrimSpace(rec.FullName) != "" && strings.TrimSpace(rec.Cargo) != ""
}

// Normalize derives the natural key (normalized name and cargo).
func (w *CandidateImportWorker) Normalize(_ context.Context, item RawItem) (Item, error) {
	rec, ok := item.Data.(models.CandidateRecord)
	if !ok {
		return Item{}, fmt.Errorf("unexpected candidate item type %T", item.Data)
	}
	if rec.SourceURL == "" {
		rec.SourceURL = item.Origin
	}
	return candidateItem(rec), nil
}

func candidateItem(rec models.CandidateRecord) Item {
	key := textnorm.Name(rec.FullName) + "|" + strings.ToLower(strings.TrimSpace(rec.Cargo))
	return Item{EntityType: entityTypeCandidate, NaturalKey: key, Payload: rec, Record: rec}
}

// Commit validates each record and commits the valid ones as one batch.
// Invalid records are reported as OutcomeInvalid with their reasons.
func (w *CandidateImportWorker) Commit(ctx context.Context, items []Item) (CommitReport, error) {
	report := CommitReport{Results: make([]ItemResult, len(items))}

	var (
		valid   []bulk.ValidRecord
		indexOf []int
	)
	for i, item := range items {
		report.Results[i].NaturalKey = item.NaturalKey

		rec, ok := item.Record.(models.CandidateRecord)
		if !ok {
			report.Results[i].Outcome = OutcomeFailed
			report.Results[i].Err = fmt.Errorf("unexpected candidate record type %T", item.Record)
			continue
		}
		v, errs := w.validator.ValidateOne(rec)
		if len(errs) > 0 {
			report.Results[i].Outcome = OutcomeInvalid
			report.Results[i].Err = fmt.Errorf("invalid candidate record: %s", strings.Join(errs, "; "))
			continue
		}
		valid = append(valid, v)
		indexOf = append(indexOf, i)
	}

	if len(valid) == 0 {
		return report, nil
	}

	result, err := w.committer.Commit(ctx, valid)
	if err != nil {
		return CommitReport{}, err
	}
	for j, o := range result.Outcomes {
		r := &report.Results[indexOf[j]]
		switch o.Status {
		case models.InsertStatusInserted:
			r.Outcome = OutcomeCreated
		case models.InsertStatusSkipped:
			r.Outcome = OutcomeSkipped
		default:
			r.Outcome = OutcomeFailed
			r.Err = o.Err
			if r.Err == nil {
				r.Err = fmt.Errorf("candidate insert failed")
			}
		}
	}
	return report, nil
}

// Retry replays a deferred candidate record through validation and commit.
func (w *CandidateImportWorker) Retry(ctx context.Context, task models.QueueTask) (Item, error) {
	var rec models.CandidateRecord
	if err := decodePayload(task, &rec); err != nil {
		return Item{}, err
	}

	item := candidateItem(rec)
	report, err := w.Commit(ctx, []Item{item})
	if err != nil {
		return Item{}, err
	}
	if res := report.Results[0]; res.Outcome == OutcomeFailed || res.Outcome == OutcomeInvalid {
		return Item{}, res.Err
	}
	return item, nil
}
