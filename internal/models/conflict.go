package models

import (
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	ConflictVersionMismatch   ConflictType = "version_mismatch"
	ConflictConcurrentUpdate  ConflictType = "concurrent_update"
	ConflictMissingDependency ConflictType = "missing_dependency"
)

type Resolution string

const (
	ResolutionAcceptLocal    Resolution = "accept_local"
	ResolutionAcceptCloud    Resolution = "accept_cloud"
	ResolutionMerge          Resolution = "merge"
	ResolutionManualRequired Resolution = "manual_required"
)

// ConflictResolutionEvent is produced when an event's base version diverges
// from the authoritative sequence. It is consumed immediately by the
// resolution policy; manual_required outcomes are returned to the producer
// with both snapshots so a corrected event can be resubmitted.
type ConflictResolutionEvent struct {
	SyncEventID   uuid.UUID      `json:"sync_event_id"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	ConflictType  ConflictType   `json:"conflict_type"`
	Resolution    Resolution     `json:"resolution"`
	LocalVersion  map[string]any `json:"local_version"`
	CloudVersion  map[string]any `json:"cloud_version"`
	LocalSequence int64          `json:"local_sequence"`
	CloudSequence int64          `json:"cloud_sequence"`
	DetectedAt    time.Time      `json:"detected_at"`
}
