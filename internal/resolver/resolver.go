// Package resolver maps loosely formatted external names onto canonical
// party, district and candidate ids.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/textnorm"
)

// Catalog lists the canonical reference entities.
type Catalog interface {
	ListParties(ctx context.Context) ([]models.Party, error)
	ListDistricts(ctx context.Context) ([]models.District, error)
	ListCandidateEntries(ctx context.Context) ([]models.CatalogEntry, error)
}

type cacheKey struct {
	kind  models.EntityKind
	input string
}

// Resolver serves Match over a snapshot of the catalog and memoizes results
// per (kind, normalized input) until the next Reload.
type Resolver struct {
	catalog Catalog
	logger  *slog.Logger

	mu         sync.RWMutex
	entries    map[models.EntityKind][]models.CatalogEntry
	cache      map[cacheKey]models.ResolvedEntityRef
	generation uint64

	// afterMatch runs between matching and storing the result; tests use it
	// to interleave a Reload.
	afterMatch func()
}

// New creates a Resolver with an empty snapshot. Call Reload before use.
func New(catalog Catalog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog: catalog,
		logger:  logger,
		entries: make(map[models.EntityKind][]models.CatalogEntry),
		cache:   make(map[cacheKey]models.ResolvedEntityRef),
	}
}

// NewStatic creates a Resolver over fixed entries, without a backing catalog.
func NewStatic(entries map[models.EntityKind][]models.CatalogEntry) *Resolver {
	r := New(nil, nil)
	for kind, list := range entries {
		r.entries[kind] = append([]models.CatalogEntry(nil), list...)
	}
	return r
}

// Reload replaces the snapshot from the catalog and clears the cache.
func (r *Resolver) Reload(ctx context.Context) error {
	if r.catalog == nil {
		r.mu.Lock()
		r.cache = make(map[cacheKey]models.ResolvedEntityRef)
		r.generation++
		r.mu.Unlock()
		return nil
	}

	parties, err := r.catalog.ListParties(ctx)
	if err != nil {
		return fmt.Errorf("failed to load parties: %w", err)
	}
	districts, err := r.catalog.ListDistricts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load districts: %w", err)
	}
	candidates, err := r.catalog.ListCandidateEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load candidates: %w", err)
	}

	entries := map[models.EntityKind][]models.CatalogEntry{
		models.EntityKindDistrict:  make([]models.CatalogEntry, 0, len(districts)),
		models.EntityKindParty:     make([]models.CatalogEntry, 0, len(parties)),
		models.EntityKindCandidate: candidates,
	}
	for _, p := range parties {
		entries[models.EntityKindParty] = append(entries[models.EntityKindParty], p.CatalogEntry())
	}
	for _, d := range districts {
		entries[models.EntityKindDistrict] = append(entries[models.EntityKindDistrict], d.CatalogEntry())
	}

	r.mu.Lock()
	r.entries = entries
	r.cache = make(map[cacheKey]models.ResolvedEntityRef)
	r.generation++
	r.mu.Unlock()

	r.logger.Info("resolver catalog loaded",
		"parties", len(parties),
		"districts", len(districts),
		"candidates", len(candidates),
	)
	return nil
}

// Resolve returns the canonical reference for rawName. A result computed
// against a snapshot that a concurrent Reload replaced is returned but not
// cached.
func (r *Resolver) Resolve(kind models.EntityKind, rawName string) models.ResolvedEntityRef {
	key := cacheKey{kind: kind, input: textnorm.Name(rawName)}

	r.mu.RLock()
	cached, ok := r.cache[key]
	entries := r.entries[kind]
	generation := r.generation
	r.mu.RUnlock()
	if ok {
		cached.Input = rawName
		return cached
	}

	ref := Match(kind, entries, rawName)
	if r.afterMatch != nil {
		r.afterMatch()
	}

	r.mu.Lock()
	if r.generation == generation {
		r.cache[key] = ref
	}
	r.mu.Unlock()

	if ref.Match == models.MatchFuzzy {
		r.logger.Debug("fuzzy entity match",
			"kind", kind,
			"input", rawName,
			"matched", ref.MatchedName,
		)
	}
	return ref
}

// Names returns the primary names and aliases of one kind, used for
// keyword relevance checks.
func (r *Resolver) Names(kind models.EntityKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, e := range r.entries[kind] {
		names = append(names, e.Name)
		names = append(names, e.Aliases...)
	}
	return names
}
