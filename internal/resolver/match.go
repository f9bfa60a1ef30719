package resolver

import (
	"strings"
	"unicode/utf8"

	"github.com/votoclaro/electsync/internal/models"
	"github.com/votoclaro/electsync/internal/textnorm"
)

// MinFuzzyRunes is the shortest normalized input allowed to match by
// containment.
const MinFuzzyRunes = 3

type candidate struct {
	entry   models.CatalogEntry
	primary string
	forms   []string
}

// Match resolves raw against entries: exact match on the normalized primary
// name or any alias first, then containment in either direction. Among
// several hits of the same kind the entry with the shortest normalized
// primary name wins, then the lexically smallest, then the smallest id.
// The result depends only on the inputs, never on the order of entries.
func Match(kind models.EntityKind, entries []models.CatalogEntry, raw string) models.ResolvedEntityRef {
	ref := models.ResolvedEntityRef{Input: raw, Match: models.MatchNone, Kind: kind}

	input := textnorm.Name(raw)
	if input == "" {
		return ref
	}

	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		c := candidate{entry: e, primary: textnorm.Name(e.Name)}
		c.forms = append(c.forms, c.primary)
		for _, alias := range e.Aliases {
			if a := textnorm.Name(alias); a != "" {
				c.forms = append(c.forms, a)
			}
		}
		candidates = append(candidates, c)
	}

	var best *candidate
	for i := range candidates {
		c := &candidates[i]
		for _, form := range c.forms {
			if form == input {
				best = pick(best, c)
				break
			}
		}
	}
	if best != nil {
		return resolved(ref, best, models.MatchExact)
	}

	if utf8.RuneCountInString(input) < MinFuzzyRunes {
		return ref
	}

	for i := range candidates {
		c := &candidates[i]
		for _, form := range c.forms {
			if form == "" || utf8.RuneCountInString(form) < MinFuzzyRunes {
				continue
			}
			if strings.Contains(form, input) || strings.Contains(input, form) {
				best = pick(best, c)
				break
			}
		}
	}
	if best != nil {
		return resolved(ref, best, models.MatchFuzzy)
	}
	return ref
}

func resolved(ref models.ResolvedEntityRef, c *candidate, kind models.MatchKind) models.ResolvedEntityRef {
	id := c.entry.ID
	ref.ID = &id
	ref.Match = kind
	ref.MatchedName = c.entry.Name
	return ref
}

// pick applies the tie-break between the current best and a new hit.
func pick(best, c *candidate) *candidate {
	if best == nil {
		return c
	}
	bl, cl := utf8.RuneCountInString(best.primary), utf8.RuneCountInString(c.primary)
	switch {
	case cl != bl:
		if cl < bl {
			return c
		}
		return best
	case c.primary != best.primary:
		if c.primary < best.primary {
			return c
		}
		return best
	case c.entry.ID < best.entry.ID:
		return c
	default:
		return best
	}
}
