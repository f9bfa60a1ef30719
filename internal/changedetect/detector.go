// Package changedetect decides whether an upstream record changed since it
// was last committed, using a stored content fingerprint per (entity, source).
package changedetect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/votoclaro/electsync/internal/clock"
	"github.com/votoclaro/electsync/internal/models"
)

// Store persists fingerprints.
type Store interface {
	// GetHash returns nil, nil when the key was never recorded.
	GetHash(ctx context.Context, key models.EntityHashKey) (*models.EntityHash, error)
	UpsertHash(ctx context.Context, key models.EntityHashKey, hash string, now time.Time) error
}

// Decision is the outcome of ShouldProcess.
type Decision struct {
	Process      bool
	PreviousHash *string
	Hash         string
}

// IsNew reports whether the entity had never been recorded.
func (d Decision) IsNew() bool {
	return d.PreviousHash == nil
}

// Detector compares payload fingerprints against the store.
type Detector struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Detector.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, clock: clk, logger: logger}
}

// ShouldProcess fingerprints payload and compares it with the stored digest.
// It never writes.
func (d *Detector) ShouldProcess(ctx context.Context, entityType, entityID, source string, payload interface{}) (Decision, error) {
	hash, err := Fingerprint(payload)
	if err != nil {
		return Decision{}, err
	}

	key := models.EntityHashKey{EntityType: entityType, EntityID: entityID, Source: source}
	stored, err := d.store.GetHash(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load fingerprint: %w", err)
	}

	if stored == nil {
		return Decision{Process: true, Hash: hash}, nil
	}

	previous := stored.DataHash
	decision := Decision{Process: previous != hash, PreviousHash: &previous, Hash: hash}
	if decision.Process {
		d.logger.Debug("upstream record changed",
			"entity_type", entityType,
			"entity_id", entityID,
			"source", source,
		)
	}
	return decision, nil
}

// RecordProcessed stores hash as the committed fingerprint. Call only after
// the corresponding commit succeeded.
func (d *Detector) RecordProcessed(ctx context.Context, entityType, entityID, source, hash string) error {
	key := models.EntityHashKey{EntityType: entityType, EntityID: entityID, Source: source}
	if err := d.store.UpsertHash(ctx, key, hash, d.clock.Now()); err != nil {
		return fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return nil
}
