package models

import "time"

// Party is a political organisation registered for the election.
type Party struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ShortName string    `json:"short_name,omitempty"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogEntry converts the party for entity resolution.
func (p Party) CatalogEntry() CatalogEntry {
	aliases := append([]string{}, p.Aliases...)
	if p.ShortName != "" {
		aliases = append(aliases, p.ShortName)
	}
	return CatalogEntry{ID: p.ID, Name: p.Name, Aliases: aliases}
}

// District is an electoral district.
type District struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Aliases   []string  `json:"aliases,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogEntry converts the district for entity resolution.
func (d District) CatalogEntry() CatalogEntry {
	return CatalogEntry{ID: d.ID, Name: d.Name, Aliases: append([]string{}, d.Aliases...)}
}
