package models

import "time"

// EntityHash is the fingerprint of the last-seen upstream representation of
// one (entity_type, entity_id, source) triple.
type EntityHash struct {
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Source        string     `json:"source"`
	DataHash      string     `json:"data_hash"`
	LastCheckedAt time.Time  `json:"last_checked_at"`
	LastChangedAt *time.Time `json:"last_changed_at,omitempty"`
}

// EntityHashKey identifies an EntityHash row.
type EntityHashKey struct {
	EntityType string
	EntityID   string
	Source     string
}

// Key returns the unique key of the hash row.
func (h EntityHash) Key() EntityHashKey {
	return EntityHashKey{EntityType: h.EntityType, EntityID: h.EntityID, Source: h.Source}
}
