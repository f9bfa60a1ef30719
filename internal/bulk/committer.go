package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/models"
)

// Store persists candidate batches and their derived scores.
type Store interface {
	InsertCandidates(ctx context.Context, batch []models.Candidate, baseline decimal.Decimal, now time.Time) ([]models.InsertOutcome, int, error)
	SeedScores(ctx context.Context, cargos []models.Cargo, baseline decimal.Decimal, now time.Time) (int, error)
}

// CommitterConfig tunes the committer.
type CommitterConfig struct {
	Source        string
	BaselineScore decimal.Decimal
}

// RecordError describes one record that could not be written.
type RecordError struct {
	NameKey string       `json:"name_key"`
	Cargo   models.Cargo `json:"cargo"`
	Error   string       `json:"error"`
}

// CommitResult summarises one batch commit. Outcomes is aligned with the
// committed slice.
type CommitResult struct {
	Inserted    int                    `json:"inserted"`
	Skipped     int                    `json:"skipped"`
	Errors      []RecordError          `json:"errors"`
	InsertedIDs []string               `json:"inserted_ids"`
	Seeded      int                    `json:"seeded"`
	Outcomes    []models.InsertOutcome `json:"-"`
}

// Committer writes validated candidates in one transaction per batch.
type Committer struct {
	store  Store
	clock  clock.Clock
	cfg    CommitterConfig
	logger *slog.Logger
}

// NewCommitter creates a Committer.
func NewCommitter(store Store, clk clock.Clock, cfg CommitterConfig, logger *slog.Logger) *Committer {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Source == "" {
		cfg.Source = "candidates"
	}
	return &Committer{store: store, clock: clk, cfg: cfg, logger: logger}
}

// Commit inserts every record keyed on (name_key, cargo). Existing rows are
// skipped; a failing record does not affect its siblings. Newly created
// candidates get a baseline score in the same transaction.
func (c *Committer) Commit(ctx context.Context, valid []ValidRecord) (CommitResult, error) {
	if len(valid) == 0 {
		return CommitResult{}, nil
	}

	now := c.clock.Now()
	batch := make([]models.Candidate, 0, len(valid))
	for _, v := range valid {
		batch = append(batch, models.Candidate{
			ID:           uuid.New().String(),
			FullName:     v.Record.FullName,
			NameKey:      v.NameKey,
			Cargo:        v.Cargo,
			PartyID:      v.PartyID,
			DistrictID:   v.DistrictID,
			DocumentID:   v.Record.DocumentID,
			ListPosition: v.Record.ListPosition,
			PhotoURL:     v.Record.PhotoURL,
			Source:       c.cfg.Source,
			NeedsReview:  v.NeedsReview,
			CreatedAt:    now,
		})
	}

	outcomes, seeded, err := c.store.InsertCandidates(ctx, batch, c.cfg.BaselineScore, now)
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to commit candidate batch: %w", err)
	}

	result := CommitResult{Seeded: seeded, Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case models.InsertStatusInserted:
			result.Inserted++
			result.InsertedIDs = append(result.InsertedIDs, o.ID)
		case models.InsertStatusSkipped:
			result.Skipped++
		default:
			msg := "unknown error"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			result.Errors = append(result.Errors, RecordError{NameKey: o.NameKey, Cargo: o.Cargo, Error: msg})
		}
	}

	c.logger.Info("candidate batch committed",
		"source", c.cfg.Source,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
		"seeded", result.Seeded,
	)
	return result, nil
}

// SeedScores creates missing baseline scores for every candidate of the given
// cargos. Safe to re-run.
func (c *Committer) SeedScores(ctx context.Context, cargos []models.Cargo) (int, error) {
	n, err := c.store.SeedScores(ctx, cargos, c.cfg.BaselineScore, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to seed candidate scores: %w", err)
	}
	return n, nil
}
