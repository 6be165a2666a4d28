package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serverbound/syncengine/internal/models"
	"github.com/serverbound/syncengine/internal/repositories"
)

// changeHistoryLimit bounds the per-entity record of which fields changed at
// each sequence. Events whose base version predates the retained history are
// classified conservatively as overlapping.
const changeHistoryLimit = 128

type changeRecord struct {
	sequence int64
	fields   map[string]struct{}
}

// entityState serializes all processing for one (entityType, entityId). The
// per-entity mutex is the engine's only lock discipline: events for the same
// entity apply one at a time, different entities proceed in parallel.
type entityState struct {
	mu      sync.Mutex
	version *models.EntityVersion
	deleted bool
	changes []changeRecord
	applied map[uuid.UUID]*models.SyncEvent
}

// Detector is the single authority that advances entity sequences. It decides
// whether an incoming event is applied, rewritten or rejected, and is the only
// mutator of EntityVersion state.
type Detector struct {
	mu       sync.Mutex
	entities map[string]*entityState
	eventLog repositories.EventLogRepository
}

// New creates a detector with an empty version table. Entries are created
// lazily on the first event per entity and retained as tombstones after
// deletion. eventLog may be nil; when set, accepted events are appended to the
// durable log for audit and replay.
func New(eventLog repositories.EventLogRepository) *Detector {
	return &Detector{
		entities: make(map[string]*entityState),
		eventLog: eventLog,
	}
}

// Apply validates an incoming event against the authoritative entity version.
// It returns the accepted (possibly rewritten) event for fan-out, the conflict
// record when one was detected, or a *ConflictUnresolvedError when resolution
// requires manual intervention.
//
// Redelivered events (same id) are idempotent: the previously accepted event
// is returned without advancing the sequence.
func (d *Detector) Apply(ctx context.Context, event *models.SyncEvent) (*models.SyncEvent, *models.ConflictResolutionEvent, error) {
	if event == nil || event.Payload == nil {
		return nil, nil, &models.ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	if event.Payload.PayloadEntityType() != event.EntityType {
		return nil, nil, &models.ValidationError{Field: "payload", Reason: "payload variant does not match entity type"}
	}

	ent, missingDep := d.lookup(event)
	if missingDep != nil {
		conflict := d.buildConflict(event, nil, models.ConflictMissingDependency, models.ResolutionManualRequired)
		return nil, conflict, &ConflictUnresolvedError{Conflict: conflict}
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if prior, ok := ent.applied[event.ID]; ok {
		return prior, nil, nil
	}

	// Updates addressed at a deleted entity are dangling references.
	if ent.deleted && event.OperationType != models.OpCreate {
		conflict := d.buildConflict(event, ent.version, models.ConflictMissingDependency, models.ResolutionManualRequired)
		return nil, conflict, &ConflictUnresolvedError{Conflict: conflict}
	}

	if ent.version == nil || ent.deleted {
		// First event for this entity: treat base version as 0 and accept as
		// a creation.
		ent.version = &models.EntityVersion{
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Snapshot:   make(map[string]any),
		}
		ent.deleted = false
		// A fresh lineage starts its own change history.
		ent.changes = nil
		return d.acceptLocked(ctx, ent, event), nil, nil
	}

	current := ent.version.Sequence

	if event.BaseVersion == current {
		// Fast path: the producer saw the latest version.
		return d.acceptLocked(ctx, ent, event), nil, nil
	}

	// Divergence. Classify against the fields changed since the producer's
	// base version.
	eventFields := event.Payload.Fields()
	changedSince, complete := ent.changedFieldsSince(event.BaseVersion)

	overlap := event.BaseVersion > current || !complete
	if !overlap {
		for field := range eventFields {
			if _, ok := changedSince[field]; ok {
				overlap = true
				break
			}
		}
	}

	if !overlap {
		// Disjoint concurrent update: field-level merge, last writer wins per
		// field in sequence order.
		conflict := d.buildConflict(event, ent.version, models.ConflictConcurrentUpdate, models.ResolutionMerge)
		return d.acceptLocked(ctx, ent, event), conflict, nil
	}

	if event.Authoritative {
		// Ground truth from the owning process wins over the cloud copy.
		conflict := d.buildConflict(event, ent.version, models.ConflictVersionMismatch, models.ResolutionAcceptLocal)
		return d.acceptLocked(ctx, ent, event), conflict, nil
	}

	// Stale local intent loses; the event is dropped, not applied.
	conflict := d.buildConflict(event, ent.version, models.ConflictVersionMismatch, models.ResolutionAcceptCloud)
	return nil, conflict, nil
}

// lookup resolves the entity state for an event, creating it lazily, and
// verifies the event's declared dependencies still exist. The table lock only
// covers map access; liveness of each dependency is read under that entity's
// own lock, released before the caller enters its per-entity critical section,
// so entity locks stay leaf-level.
func (d *Detector) lookup(event *models.SyncEvent) (*entityState, *models.EntityRef) {
	refs := event.Payload.Dependencies()

	d.mu.Lock()
	deps := make([]*entityState, len(refs))
	for i, ref := range refs {
		deps[i] = d.entities[models.EntityKey(ref.Type, ref.ID)]
	}
	d.mu.Unlock()

	for i, dep := range deps {
		if dep == nil {
			missing := refs[i]
			return nil, &missing
		}
		dep.mu.Lock()
		live := dep.version != nil && !dep.deleted
		dep.mu.Unlock()
		if !live {
			missing := refs[i]
			return nil, &missing
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := event.EntityKey()
	ent, ok := d.entities[key]
	if !ok {
		ent = &entityState{applied: make(map[uuid.UUID]*models.SyncEvent)}
		d.entities[key] = ent
	}
	return ent, nil
}

// acceptLocked advances the sequence, merges the payload into the snapshot and
// records the change. Caller holds ent.mu.
func (d *Detector) acceptLocked(ctx context.Context, ent *entityState, event *models.SyncEvent) *models.SyncEvent {
	ent.version.Sequence++
	event.Sequence = ent.version.Sequence

	event.Payload.ApplyTo(ent.version.Snapshot)
	ent.version.LastWriterID = event.OriginID
	ent.version.UpdatedAt = time.Now()

	fields := make(map[string]struct{})
	for field := range event.Payload.Fields() {
		fields[field] = struct{}{}
	}
	ent.changes = append(ent.changes, changeRecord{sequence: event.Sequence, fields: fields})
	if len(ent.changes) > changeHistoryLimit {
		ent.changes = ent.changes[len(ent.changes)-changeHistoryLimit:]
	}

	ent.applied[event.ID] = event

	if event.OperationType == models.OpDelete {
		// Tombstone: the entry survives so later references classify as
		// missing dependencies rather than creations.
		ent.deleted = true
	}

	if d.eventLog != nil {
		if err := d.eventLog.Append(ctx, event); err != nil {
			log.Printf("failed to append event %s to log: %v", event.ID, err)
		}
	}

	return event
}

// changedFieldsSince unions the fields changed by every accepted event after
// base. complete is false when the retained history no longer reaches back to
// base, in which case the caller must assume overlap.
func (ent *entityState) changedFieldsSince(base int64) (map[string]struct{}, bool) {
	changed := make(map[string]struct{})
	if len(ent.changes) == 0 {
		return changed, base >= ent.version.Sequence
	}

	oldest := ent.changes[0].sequence
	if base < oldest-1 {
		return changed, false
	}

	for _, record := range ent.changes {
		if record.sequence > base {
			for field := range record.fields {
				changed[field] = struct{}{}
			}
		}
	}
	return changed, true
}

func (d *Detector) buildConflict(event *models.SyncEvent, version *models.EntityVersion, conflictType models.ConflictType, resolution models.Resolution) *models.ConflictResolutionEvent {
	conflict := &models.ConflictResolutionEvent{
		SyncEventID:   event.ID,
		CorrelationID: event.CorrelationID,
		ConflictType:  conflictType,
		Resolution:    resolution,
		LocalVersion:  event.Payload.Fields(),
		LocalSequence: event.BaseVersion,
		DetectedAt:    time.Now(),
	}
	if version != nil {
		conflict.CloudVersion = version.CloneSnapshot()
		conflict.CloudSequence = version.Sequence
	}
	return conflict
}

// Snapshot returns a copy of the authoritative state for one entity, for
// resync after reconnect. ok is false when the entity is unknown or deleted.
func (d *Detector) Snapshot(entityType models.EntityType, entityID string) (*models.EntityVersion, bool) {
	d.mu.Lock()
	ent, exists := d.entities[models.EntityKey(entityType, entityID)]
	d.mu.Unlock()

	if !exists {
		return nil, false
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.version == nil || ent.deleted {
		return nil, false
	}

	return &models.EntityVersion{
		EntityType:   ent.version.EntityType,
		EntityID:     ent.version.EntityID,
		Sequence:     ent.version.Sequence,
		Snapshot:     ent.version.CloneSnapshot(),
		LastWriterID: ent.version.LastWriterID,
		UpdatedAt:    ent.version.UpdatedAt,
	}, true
}
