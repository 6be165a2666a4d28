package syncer

import (
	"fmt"

	"github.com/serverbound/syncengine/internal/models"
)

// ConflictUnresolvedError is returned when a conflict resolves to
// manual_required. It carries both snapshots so the producer can resubmit a
// corrected event; it is never silently discarded.
type ConflictUnresolvedError struct {
	Conflict *models.ConflictResolutionEvent
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("conflict requires manual resolution: %s (event %s, local seq %d, cloud seq %d)",
		e.Conflict.ConflictType, e.Conflict.SyncEventID, e.Conflict.LocalSequence, e.Conflict.CloudSequence)
}
