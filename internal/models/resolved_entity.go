package models

// EntityKind names a resolvable reference catalog.
type EntityKind string

const (
	EntityKindParty     EntityKind = "party"
	EntityKindDistrict  EntityKind = "district"
	EntityKindCandidate EntityKind = "candidate"
)

// MatchKind describes how a name was resolved.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNone  MatchKind = "none"
)

// ResolvedEntityRef is the outcome of one entity resolution. Not persisted.
type ResolvedEntityRef struct {
	Input       string     `json:"input"`
	ID          *string    `json:"id,omitempty"`
	Match       MatchKind  `json:"match"`
	MatchedName string     `json:"matched_name,omitempty"`
	Kind        EntityKind `json:"kind"`
}

// Found reports whether a canonical id was matched.
func (r ResolvedEntityRef) Found() bool {
	return r.ID != nil
}

// NeedsReview reports whether the match should be confirmed by a human.
func (r ResolvedEntityRef) NeedsReview() bool {
	return r.Match != MatchExact
}

// CatalogEntry is one canonical entity offered to the resolver.
type CatalogEntry struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}
