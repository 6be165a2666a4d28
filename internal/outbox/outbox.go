package outbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serverbound/syncengine/internal/config"
	"github.com/serverbound/syncengine/internal/models"
)

// DeliveryFailure reports an entry that exhausted its retry budget. It is
// emitted exactly once per entry, surfaced to the producer as a persistent,
// user-actionable error; the entry moves to dead and is never retried
// automatically again.
type DeliveryFailure struct {
	Event     *models.SyncEvent
	Attempts  int
	LastError string
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery failed for event %s after %d attempts: %s", e.Event.ID, e.Attempts, e.LastError)
}

// Sender delivers an event to the dispatch hub over the current connection.
// Returning an error means the attempt failed and the entry becomes eligible
// for retry with backoff. A nil return only means the frame was handed to the
// transport; the entry stays in flight until Ack.
type Sender interface {
	Send(ctx context.Context, event *models.SyncEvent) error
}

// Outbox is the per-origin durable queue of not-yet-acknowledged sync events.
// Entries for the same entity are delivered strictly in enqueue order; entries
// for different entities drain independently.
type Outbox struct {
	cfg       config.SyncConfig
	sender    Sender
	onFailure func(*DeliveryFailure)

	mu       sync.Mutex
	entries  []*models.OutboxEntry
	byID     map[uuid.UUID]*models.OutboxEntry
	inFlight map[string]uuid.UUID // entity key -> event currently awaiting ack
	dead     []*models.OutboxEntry
}

func New(cfg config.SyncConfig, sender Sender, onFailure func(*DeliveryFailure)) *Outbox {
	return &Outbox{
		cfg:       cfg,
		sender:    sender,
		onFailure: onFailure,
		byID:      make(map[uuid.UUID]*models.OutboxEntry),
		inFlight:  make(map[string]uuid.UUID),
	}
}

// Enqueue appends the event as a pending entry and returns immediately. The
// drain loop picks it up on its next pass.
func (o *Outbox) Enqueue(event *models.SyncEvent) error {
	if event == nil {
		return &models.ValidationError{Field: "event", Reason: "must not be nil"}
	}

	entry := &models.OutboxEntry{
		Event:      event,
		State:      models.OutboxPending,
		EnqueuedAt: time.Now(),
	}

	o.mu.Lock()
	o.entries = append(o.entries, entry)
	o.byID[event.ID] = entry
	o.mu.Unlock()
	return nil
}

// Run drives the drain loop until the context is cancelled (railway-style
// outbox polling: the timer runs independently of connection activity).
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.OutboxDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Drain(ctx)
		}
	}
}

// Drain performs one delivery pass: in-flight entries whose ack window lapsed
// revert to pending, then every due pending entry whose entity lane is free is
// attempted. Delivery happens outside the lock so a slow transport never
// blocks enqueueing.
func (o *Outbox) Drain(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	o.reapTimedOutLocked(now)

	// entries is enqueue-ordered; once an entity's head entry cannot be
	// dispatched (in flight, or pending but not yet due), every later entry
	// for that entity must wait behind it.
	var batch []*models.OutboxEntry
	blocked := make(map[string]bool)
	for _, entry := range o.entries {
		key := entry.Event.EntityKey()
		if blocked[key] {
			continue
		}
		if entry.State != models.OutboxPending {
			blocked[key] = true
			continue
		}
		if _, busy := o.inFlight[key]; busy {
			blocked[key] = true
			continue
		}
		if entry.NextRetryAt.After(now) {
			blocked[key] = true
			continue
		}
		entry.State = models.OutboxInFlight
		entry.Attempts++
		entry.DispatchedAt = now
		o.inFlight[key] = entry.Event.ID
		batch = append(batch, entry)
		blocked[key] = true
	}
	o.mu.Unlock()

	for _, entry := range batch {
		if err := o.sender.Send(ctx, entry.Event); err != nil {
			o.noteSendFailure(entry, err)
		}
	}
}

// reapTimedOutLocked reverts in-flight entries with no acknowledgment within
// the ack window back to pending, eligible for retry with backoff.
func (o *Outbox) reapTimedOutLocked(now time.Time) {
	for _, entry := range o.entries {
		if entry.State != models.OutboxInFlight {
			continue
		}
		if now.Sub(entry.DispatchedAt) < o.cfg.OutboxAckTimeout {
			continue
		}
		delete(o.inFlight, entry.Event.EntityKey())
		if entry.Attempts >= o.cfg.OutboxMaxAttempts {
			o.markDeadLocked(entry, "acknowledgment timed out")
			continue
		}
		entry.State = models.OutboxPending
		entry.NextRetryAt = now.Add(o.backoff(entry.Attempts))
		entry.LastError = "acknowledgment timed out"
	}
}

func (o *Outbox) noteSendFailure(entry *models.OutboxEntry, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry.State != models.OutboxInFlight {
		return
	}
	delete(o.inFlight, entry.Event.EntityKey())

	if entry.Attempts >= o.cfg.OutboxMaxAttempts {
		o.markDeadLocked(entry, err.Error())
		return
	}

	entry.State = models.OutboxPending
	entry.NextRetryAt = time.Now().Add(o.backoff(entry.Attempts))
	entry.LastError = err.Error()
}

// markDeadLocked transitions an entry to dead exactly once and emits the
// single DeliveryFailure for it. Caller holds o.mu.
func (o *Outbox) markDeadLocked(entry *models.OutboxEntry, lastError string) {
	entry.State = models.OutboxDead
	entry.LastError = lastError
	o.dead = append(o.dead, entry)
	o.removeLocked(entry)

	failure := &DeliveryFailure{
		Event:     entry.Event,
		Attempts:  entry.Attempts,
		LastError: lastError,
	}
	log.Printf("outbox entry dead: %v", failure)
	if o.onFailure != nil {
		// Callback runs outside the lock so handlers can inspect the outbox.
		go o.onFailure(failure)
	}
}

// Ack acknowledges delivery of an event and frees its entity lane so the next
// entry for that entity can be dispatched. Unknown ids are ignored: an ack for
// an already-acknowledged entry is a no-op.
func (o *Outbox) Ack(eventID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.byID[eventID]
	if !ok || entry.State == models.OutboxDead {
		return
	}

	key := entry.Event.EntityKey()
	if current, busy := o.inFlight[key]; busy && current == eventID {
		delete(o.inFlight, key)
	}

	entry.State = models.OutboxAcknowledged
	o.removeLocked(entry)
}

// ResetInFlight reverts every in-flight entry to pending without counting the
// interrupted attempt against the budget. Called when the connection drops:
// outstanding entries are redelivered on reconnect, not discarded.
func (o *Outbox) ResetInFlight() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, entry := range o.entries {
		if entry.State != models.OutboxInFlight {
			continue
		}
		delete(o.inFlight, entry.Event.EntityKey())
		entry.State = models.OutboxPending
		entry.NextRetryAt = time.Time{}
		if entry.Attempts > 0 {
			entry.Attempts--
		}
	}
}

// Outstanding reports how many entries still await acknowledgment, counting
// both queued and in-flight entries.
func (o *Outbox) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Dead returns a snapshot of entries that exhausted their retry budget;
// resubmission is an explicit operator action.
func (o *Outbox) Dead() []*models.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*models.OutboxEntry(nil), o.dead...)
}

func (o *Outbox) removeLocked(entry *models.OutboxEntry) {
	delete(o.byID, entry.Event.ID)
	for i, candidate := range o.entries {
		if candidate == entry {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			break
		}
	}
}

// backoff computes the delay before attempt n+1: exponential in the configured
// multiplier, capped, with up to 25% jitter to avoid retry stampedes.
func (o *Outbox) backoff(attempts int) time.Duration {
	delay := float64(o.cfg.OutboxBackoffBase) * math.Pow(o.cfg.OutboxBackoffMultiplier, float64(attempts-1))
	if capped := float64(o.cfg.OutboxBackoffCap); delay > capped {
		delay = capped
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}
