package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverbound/syncengine/internal/models"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func intPtr(i int) *int { return &i }

func mustEvent(t *testing.T, origin string, op models.OperationType, entityType models.EntityType, entityID string, base int64, payload models.EventPayload) *models.SyncEvent {
	t.Helper()
	event, err := models.NewSyncEvent(origin, op, entityType, entityID, base, payload)
	require.NoError(t, err)
	return event
}

// mustApply applies an event that is expected to be accepted without conflict.
func mustApply(t *testing.T, d *Detector, event *models.SyncEvent) *models.SyncEvent {
	t.Helper()
	accepted, conflict, err := d.Apply(context.Background(), event)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.NotNil(t, accepted)
	return accepted
}

// TestDetector_Creation tests that the first event for an entity starts the
// sequence at 1
func TestDetector_Creation(t *testing.T) {
	d := New(nil)

	event := mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Name: strPtr("survival"), Status: strPtr("starting")})

	accepted := mustApply(t, d, event)
	assert.Equal(t, int64(1), accepted.Sequence)

	version, ok := d.Snapshot(models.EntityServer, "srv-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), version.Sequence)
	assert.Equal(t, "survival", version.Snapshot["name"])
	assert.Equal(t, "agent-1", version.LastWriterID)
}

// TestDetector_FastPath tests acceptance when the producer saw the latest
// version
func TestDetector_FastPath(t *testing.T) {
	d := New(nil)
	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))

	update := mustEvent(t, "agent-1", models.OpStatusChange, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Status: strPtr("stopping")})

	accepted := mustApply(t, d, update)
	assert.Equal(t, int64(2), accepted.Sequence)

	version, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, "stopping", version.Snapshot["status"])
}

// TestDetector_DisjointConcurrentMerge tests two producers updating different
// fields from the same base: both are accepted, the second as a merge.
func TestDetector_DisjointConcurrentMerge(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpUpdate, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Name: strPtr("survival")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpUpdate, models.EntityServer, "srv-1", 2,
		&models.ServerPayload{MemoryUsage: floatPtr(512)}))

	// Both producers read the entity at sequence 3.
	cpuUpdate := mustEvent(t, "desktop-1", models.OpUpdate, models.EntityServer, "srv-1", 3,
		&models.ServerPayload{CPUUsage: floatPtr(80)})
	playerUpdate := mustEvent(t, "dashboard-1", models.OpUpdate, models.EntityServer, "srv-1", 3,
		&models.ServerPayload{PlayerCount: intPtr(5)})

	accepted := mustApply(t, d, cpuUpdate)
	assert.Equal(t, int64(4), accepted.Sequence)

	merged, conflict, err := d.Apply(ctx, playerUpdate)
	require.NoError(t, err)
	require.NotNil(t, merged, "disjoint update is accepted, not dropped")
	assert.Equal(t, int64(5), merged.Sequence)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictConcurrentUpdate, conflict.ConflictType)
	assert.Equal(t, models.ResolutionMerge, conflict.Resolution)

	version, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, float64(80), version.Snapshot["cpu_usage"], "both field updates survive")
	assert.Equal(t, 5, version.Snapshot["player_count"])
}

// TestDetector_OverlappingStaleUpdate tests that a stale update touching an
// already-changed field is dropped with accept_cloud
func TestDetector_OverlappingStaleUpdate(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpStatusChange, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Status: strPtr("stopping")}))

	stale := mustEvent(t, "web-1", models.OpStatusChange, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Status: strPtr("running")})

	accepted, conflict, err := d.Apply(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, accepted, "stale overlapping update is not applied")
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictVersionMismatch, conflict.ConflictType)
	assert.Equal(t, models.ResolutionAcceptCloud, conflict.Resolution)
	assert.Equal(t, int64(2), conflict.CloudSequence)
	assert.Equal(t, "stopping", conflict.CloudVersion["status"])

	version, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, int64(2), version.Sequence, "sequence does not advance on a drop")
	assert.Equal(t, "stopping", version.Snapshot["status"])
}

// TestDetector_AuthoritativeWins tests that ground-truth status reports from
// the owning process overwrite the cloud copy even when stale
func TestDetector_AuthoritativeWins(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "dashboard-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))
	mustApply(t, d, mustEvent(t, "dashboard-1", models.OpStatusChange, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Status: strPtr("stopping")}))

	crash := mustEvent(t, "desktop-1", models.OpStatusChange, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{Status: strPtr("crashed")})
	crash.Authoritative = true

	accepted, conflict, err := d.Apply(ctx, crash)
	require.NoError(t, err)
	require.NotNil(t, accepted)
	assert.Equal(t, int64(3), accepted.Sequence)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ResolutionAcceptLocal, conflict.Resolution)

	version, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, "crashed", version.Snapshot["status"])
}

// TestDetector_MissingDependency tests that a plugin event referencing an
// unknown server requires manual resolution
func TestDetector_MissingDependency(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	install := mustEvent(t, "agent-1", models.OpCreate, models.EntityPlugin, "plg-1", 0,
		&models.PluginPayload{Name: strPtr("antigrief"), State: strPtr("installing"), ServerID: strPtr("srv-missing")})

	accepted, conflict, err := d.Apply(ctx, install)
	assert.Nil(t, accepted)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictMissingDependency, conflict.ConflictType)
	assert.Equal(t, models.ResolutionManualRequired, conflict.Resolution)

	var unresolved *ConflictUnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, install.ID, unresolved.Conflict.SyncEventID)
}

// TestDetector_DependencySatisfied tests that the same install succeeds once
// the server exists
func TestDetector_DependencySatisfied(t *testing.T) {
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))

	install := mustEvent(t, "agent-1", models.OpCreate, models.EntityPlugin, "plg-1", 0,
		&models.PluginPayload{Name: strPtr("antigrief"), State: strPtr("installing"), ServerID: strPtr("srv-1")})
	accepted := mustApply(t, d, install)
	assert.Equal(t, int64(1), accepted.Sequence)
}

// TestDetector_DeleteTombstone tests that deleted entities reject updates but
// allow re-creation
func TestDetector_DeleteTombstone(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpDelete, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{}))

	_, ok := d.Snapshot(models.EntityServer, "srv-1")
	assert.False(t, ok, "deleted entities have no snapshot")

	update := mustEvent(t, "web-1", models.OpUpdate, models.EntityServer, "srv-1", 2,
		&models.ServerPayload{Name: strPtr("zombie")})
	accepted, conflict, err := d.Apply(ctx, update)
	assert.Nil(t, accepted)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictMissingDependency, conflict.ConflictType)
	var unresolved *ConflictUnresolvedError
	require.ErrorAs(t, err, &unresolved)

	// Re-creation starts a fresh lineage at sequence 1.
	recreate := mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("starting")})
	accepted = mustApply(t, d, recreate)
	assert.Equal(t, int64(1), accepted.Sequence)
}

// TestDetector_DeleteCascadesToDependents tests that events depending on a
// deleted server are rejected
func TestDetector_DeleteCascadesToDependents(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityPlugin, "plg-1", 0,
		&models.PluginPayload{State: strPtr("installed"), ServerID: strPtr("srv-1")}))
	mustApply(t, d, mustEvent(t, "agent-1", models.OpDelete, models.EntityServer, "srv-1", 1,
		&models.ServerPayload{}))

	toggle := mustEvent(t, "web-1", models.OpStatusChange, models.EntityPlugin, "plg-1", 1,
		&models.PluginPayload{State: strPtr("enabled"), ServerID: strPtr("srv-1")})
	accepted, conflict, err := d.Apply(ctx, toggle)
	assert.Nil(t, accepted)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ConflictMissingDependency, conflict.ConflictType)
	assert.Error(t, err)
}

// TestDetector_IdempotentRedelivery tests that reapplying the same event does
// not advance the sequence
func TestDetector_IdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	event := mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")})

	first := mustApply(t, d, event)

	again, conflict, err := d.Apply(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Same(t, first, again, "redelivery returns the prior acceptance")

	version, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, int64(1), version.Sequence)
}

// TestDetector_PayloadMismatch tests structural rejection before any state is
// touched
func TestDetector_PayloadMismatch(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	event := mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")})
	event.Payload = &models.UserPayload{DisplayName: strPtr("nope")}

	_, _, err := d.Apply(ctx, event)
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
}

// TestDetector_SnapshotIsCopy tests that callers cannot mutate detector state
// through a returned snapshot
func TestDetector_SnapshotIsCopy(t *testing.T) {
	d := New(nil)
	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))

	version, ok := d.Snapshot(models.EntityServer, "srv-1")
	require.True(t, ok)
	version.Snapshot["status"] = "tampered"

	fresh, _ := d.Snapshot(models.EntityServer, "srv-1")
	assert.Equal(t, "running", fresh.Snapshot["status"])
}

// TestDetector_BaseAheadOfCurrent tests that a base version the server never
// assigned is treated as overlapping
func TestDetector_BaseAheadOfCurrent(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-1", 0,
		&models.ServerPayload{Status: strPtr("running")}))

	ahead := mustEvent(t, "web-1", models.OpUpdate, models.EntityServer, "srv-1", 9,
		&models.ServerPayload{Name: strPtr("ghost")})
	accepted, conflict, err := d.Apply(ctx, ahead)
	require.NoError(t, err)
	assert.Nil(t, accepted)
	require.NotNil(t, conflict)
	assert.Equal(t, models.ResolutionAcceptCloud, conflict.Resolution)
}

// TestDetector_ConcurrentCreationsAndDependencyChecks tests that dependency
// liveness reads do not race with entity creation or deletion on other
// goroutines
func TestDetector_ConcurrentCreationsAndDependencyChecks(t *testing.T) {
	ctx := context.Background()
	d := New(nil)

	mustApply(t, d, mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, "srv-0", 0,
		&models.ServerPayload{Status: strPtr("running")}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		serverID := fmt.Sprintf("srv-%d", i+1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			create := mustEvent(t, "agent-1", models.OpCreate, models.EntityServer, serverID, 0,
				&models.ServerPayload{Status: strPtr("starting")})
			_, _, err := d.Apply(ctx, create)
			assert.NoError(t, err)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			install := mustEvent(t, "agent-1", models.OpCreate, models.EntityPlugin, "plg-"+serverID, 0,
				&models.PluginPayload{Name: strPtr("antigrief"), State: strPtr("installing"), ServerID: strPtr("srv-0")})
			_, _, err := d.Apply(ctx, install)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The pre-seeded dependency stayed live for every plugin event.
	for i := 0; i < 8; i++ {
		_, ok := d.Snapshot(models.EntityPlugin, fmt.Sprintf("plg-srv-%d", i+1))
		assert.True(t, ok)
	}
}
