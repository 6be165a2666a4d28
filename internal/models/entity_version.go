package models

import "time"

// EntityVersion is the authoritative per-entity state. Sequence is the sole
// ordering authority; producer timestamps are never used for ordering. Owned
// exclusively by the conflict detector.
type EntityVersion struct {
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Sequence     int64          `json:"sequence"`
	Snapshot     map[string]any `json:"snapshot"`
	LastWriterID string         `json:"last_writer_id"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (v *EntityVersion) Key() string {
	return EntityKey(v.EntityType, v.EntityID)
}

// CloneSnapshot copies the materialized state so callers can hand it out
// without exposing the detector-owned map.
func (v *EntityVersion) CloneSnapshot() map[string]any {
	clone := make(map[string]any, len(v.Snapshot))
	for key, value := range v.Snapshot {
		clone[key] = value
	}
	return clone
}
