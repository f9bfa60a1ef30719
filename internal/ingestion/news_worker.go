package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/textnorm"
)

const (
	// SourceNews identifies the news feed worker.
	SourceNews = "news"

	entityTypeNews = "news_item"

	minRelevantNameRunes = 3
)

// Resolver is the entity resolver as seen by the workers.
type Resolver interface {
	Resolve(kind models.EntityKind, rawName string) models.ResolvedEntityRef
	Names(kind models.EntityKind) []string
	Reload(ctx context.Context) error
}

// Fetcher retrieves one upstream document.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// NewsStore persists news items keyed on URL.
type NewsStore interface {
	InsertNews(ctx context.Context, item models.NewsItem) (bool, error)
	UpdateNews(ctx context.Context, item models.NewsItem) error
}

// NewsWorkerConfig configures the news worker.
type NewsWorkerConfig struct {
	Feeds    []string
	Keywords []string
}

// newsPayload is the fingerprinted and retry-queued form of a news item.
type newsPayload struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	PublishedAt string   `json:"published_at,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	FeedURL     string   `json:"feed_url,omitempty"`
}

// NewsWorker ingests electoral news from RSS 2.0 and Atom feeds.
type NewsWorker struct {
	feeds    []string
	keywords []string
	fetcher  Fetcher
	store    NewsStore
	resolver Resolver
	clock    clock.Clock
	logger   *slog.Logger
}

// NewNewsWorker creates the news worker.
func NewNewsWorker(cfg NewsWorkerConfig, fetcher Fetcher, store NewsStore, resolver Resolver, clk clock.Clock, logger *slog.Logger) *NewsWorker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		if k := wordText(kw); strings.TrimSpace(k) != "" {
			keywords = append(keywords, k)
		}
	}

	return &NewsWorker{
		feeds:    append([]string(nil), cfg.Feeds...),
		keywords: keywords,
		fetcher:  fetcher,
		store:    store,
		resolver: resolver,
		clock:    clk,
		logger:   logger.With("source", SourceNews),
	}
}

// Source returns the worker's source name.
func (w *NewsWorker) Source() string {
	return SourceNews
}

// Fetch reads every configured feed. A cursor holding an RFC 3339 timestamp
// drops entries published before it. The fetch fails only when no feed
// could be read.
func (w *NewsWorker) Fetch(ctx context.Context, cursor string) ([]RawItem, error) {
	if err := w.resolver.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to reload entity catalog: %w", err)
	}

	var since time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339, cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid news cursor %q: %w", cursor, err)
		}
		since = t
	}

	var (
		items []RawItem
		errs  []error
	)
	for _, feedURL := range w.feeds {
		body, err := w.fetcher.Get(ctx, feedURL)
		if err == nil {
			var entries []feedEntry
			entries, err = parseFeed(feedURL, body)
			if err == nil {
				for _, e := range entries {
					if !since.IsZero() {
						if pub, ok := parsePubDate(e.PubDate); ok && pub.Before(since) {
							continue
						}
					}
					items = append(items, RawItem{Origin: feedURL, Data: e})
				}
				w.logger.Info("fetched news feed", "url", feedURL, "count", len(entries))
				continue
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.logger.Error("failed to fetch feed", "url", feedURL, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", feedURL, err))
	}

	if len(w.feeds) > 0 && len(errs) == len(w.feeds) {
		return nil, fmt.Errorf("all news feeds failed: %w", errors.Join(errs...))
	}
	return items, nil
}

// IsRelevant matches electoral keywords and catalog party or candidate names
// against the entry title and summary, on word boundaries.
func (w *NewsWorker) IsRelevant(item RawItem) bool {
	entry, ok := item.Data.(feedEntry)
	if !ok {
		return false
	}
	text := wordText(cleanText(entry.Title) + " " + cleanText(entry.Description))

	for _, kw := range w.keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	for _, kind := range []models.EntityKind{models.EntityKindParty, models.EntityKindCandidate} {
		for _, name := range w.resolver.Names(kind) {
			n := wordText(name)
			if utf8.RuneCountInString(strings.TrimSpace(n)) < minRelevantNameRunes {
				continue
			}
			if strings.Contains(text, n) {
				return true
			}
		}
	}
	return false
}

// Normalize cleans the entry, canonicalizes its URL and resolves its
// categories as parties.
func (w *NewsWorker) Normalize(_ context.Context, item RawItem) (Item, error) {
	entry, ok := item.Data.(feedEntry)
	if !ok {
		return Item{}, fmt.Errorf("unexpected news item type %T", item.Data)
	}

	link := entry.Link
	if strings.TrimSpace(link) == "" {
		link = entry.GUID
	}
	u, err := canonicalURL(link)
	if err != nil {
		return Item{}, err
	}

	title := cleanText(entry.Title)
	if title == "" {
		return Item{}, fmt.Errorf("news item %s has no title", u)
	}

	var categories []string
	for _, c := range entry.Categories {
		if c = textnorm.Whitespace(c); c != "" {
			categories = append(categories, c)
		}
	}

	return w.itemFor(newsPayload{
		URL:         u,
		Title:       title,
		Summary:     cleanText(entry.Description),
		PublishedAt: strings.TrimSpace(entry.PubDate),
		Categories:  categories,
		FeedURL:     entry.FeedURL,
	}), nil
}

func (w *NewsWorker) itemFor(p newsPayload) Item {
	published, ok := parsePubDate(p.PublishedAt)
	if !ok {
		published = w.clock.Now()
	}

	record := models.NewsItem{
		URL:         p.URL,
		Title:       p.Title,
		Summary:     p.Summary,
		FeedURL:     p.FeedURL,
		Source:      SourceNews,
		PublishedAt: published,
	}

	for _, c := range p.Categories {
		ref := w.resolver.Resolve(models.EntityKindParty, c)
		if ref.Found() {
			record.PartyID = ref.ID
			record.NeedsReview = ref.NeedsReview()
			break
		}
	}
	if record.PartyID == nil && len(p.Categories) > 0 {
		record.NeedsReview = true
	}

	return Item{EntityType: entityTypeNews, NaturalKey: p.URL, Payload: p, Record: record}
}

// Commit inserts new URLs, skips known ones, and updates title and summary
// of known URLs whose payload changed.
func (w *NewsWorker) Commit(ctx context.Context, items []Item) (CommitReport, error) {
	report := CommitReport{Results: make([]ItemResult, 0, len(items))}
	for _, item := range items {
		result := ItemResult{NaturalKey: item.NaturalKey}
		record, ok := item.Record.(models.NewsItem)
		if !ok {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("unexpected news record type %T", item.Record)
		} else {
			result.Outcome, result.Err = w.commitOne(ctx, record, item.Decision.PreviousHash != nil)
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func (w *NewsWorker) commitOne(ctx context.Context, record models.NewsItem, changed bool) (Outcome, error) {
	now := w.clock.Now()
	record.ID = uuid.New().String()
	record.CreatedAt = now
	record.UpdatedAt = now

	inserted, err := w.store.InsertNews(ctx, record)
	if err != nil {
		return OutcomeFailed, err
	}
	if inserted {
		return OutcomeCreated, nil
	}
	if !changed {
		return OutcomeSkipped, nil
	}
	if err := w.store.UpdateNews(ctx, record); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeUpdated, nil
}

// Retry replays a deferred news item. A URL that exists by now is updated
// with the deferred payload.
func (w *NewsWorker) Retry(ctx context.Context, task models.QueueTask) (Item, error) {
	var p newsPayload
	if err := decodePayload(task, &p); err != nil {
		return Item{}, err
	}

	item := w.itemFor(p)
	if _, err := w.commitOne(ctx, item.Record.(models.NewsItem), true); err != nil {
		return Item{}, err
	}
	return item, nil
}

// wordText lowercases and reduces text to space-separated words, padded with
// spaces so phrases can be matched on word boundaries with strings.Contains.
func wordText(s string) string {
	words := strings.FieldsFunc(textnorm.Name(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return " "
	}
	return " " + strings.Join(words, " ") + " "
}
