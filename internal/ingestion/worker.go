// Package ingestion hosts the source workers and the runner that drives them
// through the sync run lifecycle.
package ingestion

import (
	"context"

	"github.com/votoclaro/electsync/internal/changedetect"
	"github.com/votoclaro/electsync/internal/models"
)

// Worker adapts one upstream source to the sync pipeline.
type Worker interface {
	// Source returns the unique identifier used for runs, hashes and tasks.
	Source() string

	// Fetch retrieves raw items, optionally starting from an opaque cursor.
	// An error fails the whole run.
	Fetch(ctx context.Context, cursor string) ([]RawItem, error)

	// IsRelevant reports whether the item belongs in the store at all.
	IsRelevant(item RawItem) bool

	// Normalize turns a raw item into a committable Item.
	Normalize(ctx context.Context, item RawItem) (Item, error)

	// Commit writes the changed items. The report is aligned with items.
	Commit(ctx context.Context, items []Item) (CommitReport, error)

	// Retry replays one deferred item from the retry queue and returns the
	// committed item.
	Retry(ctx context.Context, task models.QueueTask) (Item, error)
}

// RawItem is one upstream record before normalization.
type RawItem struct {
	Origin string
	Data   interface{}
}

// Item is a normalized record. Payload is fingerprinted for change detection
// and stored on deferred tasks; Record is what the worker commits.
type Item struct {
	EntityType string
	NaturalKey string
	Payload    interface{}
	Record     interface{}
	Decision   changedetect.Decision
}

// Outcome is the per-item result of a commit.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	// OutcomeInvalid marks records rejected by validation. They count as
	// skipped and are not retried.
	OutcomeInvalid Outcome = "invalid"
	OutcomeFailed  Outcome = "failed"
	// OutcomeUnchanged marks items the change detector filtered out.
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeIrrelevant Outcome = "irrelevant"
	OutcomeError      Outcome = "error"
)

// ItemResult reports what happened to one committed item.
type ItemResult struct {
	NaturalKey string
	Outcome    Outcome
	Err        error
}

// CommitReport is the result of one Worker.Commit call.
type CommitReport struct {
	Results []ItemResult
}
