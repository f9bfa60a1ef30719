package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/votoclaro/electsync/internal/models"
)

// PostgresCandidateRepository performs idempotent candidate batch writes.
type PostgresCandidateRepository struct {
	db *sql.DB
}

// NewPostgresCandidateRepository creates a new PostgreSQL-based candidate repository.
func NewPostgresCandidateRepository(db *sql.DB) *PostgresCandidateRepository {
	return &PostgresCandidateRepository{db: db}
}

// InsertCandidates writes a batch in one transaction with a savepoint per
// record. A natural-key conflict is reported as skipped; any other failure
// rolls back only that record. When at least one row was inserted the same
// transaction seeds baseline scores for the batch's cargos.
func (r *PostgresCandidateRepository) InsertCandidates(ctx context.Context, batch []models.Candidate, baseline decimal.Decimal, now time.Time) ([]models.InsertOutcome, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcomes := make([]models.InsertOutcome, 0, len(batch))
	inserted := 0
	for _, c := range batch {
		outcome, err := insertCandidate(ctx, tx, c)
		if err != nil {
			return nil, 0, err
		}
		if outcome.Status == models.InsertStatusInserted {
			inserted++
		}
		outcomes = append(outcomes, outcome)
	}

	seeded := 0
	if inserted > 0 {
		seeded, err = seedScores(ctx, tx, batchCargos(batch), baseline, now)
		if err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit candidate batch: %w", err)
	}
	return outcomes, seeded, nil
}

// SeedScores inserts a baseline score for every candidate of the given
// cargos that has none yet. Safe to re-run.
func (r *PostgresCandidateRepository) SeedScores(ctx context.Context, cargos []models.Cargo, baseline decimal.Decimal, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seeded, err := seedScores(ctx, tx, cargos, baseline, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit score seeding: %w", err)
	}
	return seeded, nil
}

// ListScores returns candidate scores for a cargo.
func (r *PostgresCandidateRepository) ListScores(ctx context.Context, cargo models.Cargo) ([]models.CandidateScore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT candidate_id, cargo, score, baseline, created_at
		FROM candidate_scores WHERE cargo = $1 ORDER BY candidate_id
	`, cargo)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate scores: %w", err)
	}
	defer rows.Close()

	var scores []models.CandidateScore
	for rows.Next() {
		var s models.CandidateScore
		if err := rows.Scan(&s.CandidateID, &s.Cargo, &s.Score, &s.Baseline, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candidate score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// GetCandidate returns a candidate by natural key.
func (r *PostgresCandidateRepository) GetCandidate(ctx context.Context, nameKey string, cargo models.Cargo) (*models.Candidate, error) {
	var c models.Candidate
	var partyID, districtID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, name_key, cargo, party_id, district_id, document_id, list_position,
		       photo_url, source, needs_review, created_at
		FROM candidates WHERE name_key = $1 AND cargo = $2
	`, nameKey, cargo).Scan(
		&c.ID, &c.FullName, &c.NameKey, &c.Cargo, &partyID, &districtID, &c.DocumentID,
		&c.ListPosition, &c.PhotoURL, &c.Source, &c.NeedsReview, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	c.PartyID = stringPtr(partyID)
	c.DistrictID = stringPtr(districtID)
	return &c, nil
}

func insertCandidate(ctx context.Context, tx *sql.Tx, c models.Candidate) (models.InsertOutcome, error) {
	outcome := models.InsertOutcome{NameKey: c.NameKey, Cargo: c.Cargo}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT candidate_row"); err != nil {
		return outcome, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO candidates (id, full_name, name_key, cargo, party_id, district_id, document_id,
		                        list_position, photo_url, source, needs_review, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (name_key, cargo) DO NOTHING
		RETURNING id
	`, c.ID, c.FullName, c.NameKey, c.Cargo, nullString(c.PartyID), nullString(c.DistrictID),
		c.DocumentID, c.ListPosition, c.PhotoURL, c.Source, c.NeedsReview, c.CreatedAt).Scan(&id)

	switch {
	case err == nil:
		outcome.ID = id
		outcome.Status = models.InsertStatusInserted
	case errors.Is(err, sql.ErrNoRows):
		outcome.Status = models.InsertStatusSkipped
	default:
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT candidate_row"); rbErr != nil {
			return outcome, fmt.Errorf("failed to roll back savepoint: %w", rbErr)
		}
		if IsUniqueViolation(err) {
			outcome.Status = models.InsertStatusSkipped
		} else {
			outcome.Status = models.InsertStatusFailed
			outcome.Err = err
		}
		return outcome, nil
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT candidate_row"); err != nil {
		return outcome, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return outcome, nil
}

func seedScores(ctx context.Context, tx *sql.Tx, cargos []models.Cargo, baseline decimal.Decimal, now time.Time) (int, error) {
	if len(cargos) == 0 {
		return 0, nil
	}
	names := make([]string, len(cargos))
	for i, c := range cargos {
		names[i] = string(c)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO candidate_scores (candidate_id, cargo, score, baseline, created_at)
		SELECT c.id, c.cargo, $2, TRUE, $3
		FROM candidates c
		WHERE c.cargo = ANY($1)
		  AND NOT EXISTS (SELECT 1 FROM candidate_scores s WHERE s.candidate_id = c.id)
	`, pq.Array(names), baseline, now)
	if err != nil {
		return 0, fmt.Errorf("failed to seed candidate scores: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read seeded rows: %w", err)
	}
	return int(n), nil
}

// batchCargos returns the distinct cargos of a batch in first-seen order.
func batchCargos(batch []models.Candidate) []models.Cargo {
	seen := make(map[models.Cargo]bool)
	var cargos []models.Cargo
	for _, c := range batch {
		if !seen[c.Cargo] {
			seen[c.Cargo] = true
			cargos = append(cargos, c.Cargo)
		}
	}
	return cargos
}
