package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serverbound/syncengine/internal/config"
	"github.com/serverbound/syncengine/internal/hub"
	"github.com/serverbound/syncengine/internal/models"
	"github.com/serverbound/syncengine/internal/outbox"
)

// ConnState is the client connection lifecycle:
// Disconnected -> Connecting -> Authenticating -> Connected, with Reconnecting
// on network errors and Failed terminal after the attempt budget.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateConnected      ConnState = "connected"
	StateReconnecting   ConnState = "reconnecting"
	StateFailed         ConnState = "failed"
)

// ConnectionError is surfaced only after the reconnect budget is exhausted;
// transient drops are recovered inside the reconnect loop.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Conn is the transport surface the store needs; *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the dispatch hub.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// FeedEntry is one human-readable line in the activity feed.
type FeedEntry struct {
	At      time.Time
	Message string
}

type projection struct {
	sequence int64
	snapshot map[string]any
	deleted  bool
}

// Status is the connection view exposed to the UI layer.
type Status struct {
	State        ConnState
	IsConnected  bool
	IsConnecting bool
	LastError    error
}

// Store is the client-local projection of entities plus the bounded activity
// feed, driven by hub events. It owns the reconnect state machine and the
// outbox for locally-originated mutations.
type Store struct {
	cfg      config.SyncConfig
	dialer   Dialer
	url      string
	token    string
	originID string

	outbox *outbox.Outbox

	mu            sync.Mutex
	state         ConnState
	lastErr       error
	cancelRun     context.CancelFunc
	entities      map[string]*projection
	subscriptions map[string]hub.SubscribeRequest
	feed          []FeedEntry
	conflicts     []*models.ConflictResolutionEvent

	writeMu sync.Mutex
	conn    Conn
}

// NewStore builds a store for one origin (the agent identity used for
// echo-suppression and audit). Delivery failures from the outbox land in the
// activity feed so they are user-visible, never silently dropped.
func NewStore(cfg config.SyncConfig, dialer Dialer, url, token, originID string) *Store {
	s := &Store{
		cfg:           cfg,
		dialer:        dialer,
		url:           url,
		token:         token,
		originID:      originID,
		state:         StateDisconnected,
		entities:      make(map[string]*projection),
		subscriptions: make(map[string]hub.SubscribeRequest),
	}
	s.outbox = outbox.New(cfg, senderFunc(s.sendEvent), s.onDeliveryFailure)
	return s
}

type senderFunc func(ctx context.Context, event *models.SyncEvent) error

func (f senderFunc) Send(ctx context.Context, event *models.SyncEvent) error {
	return f(ctx, event)
}

// Submit validates nothing itself: the event was already constructed through
// models.NewSyncEvent. It lands in the outbox and returns immediately.
func (s *Store) Submit(event *models.SyncEvent) error {
	return s.outbox.Enqueue(event)
}

// Outbox exposes the delivery queue for inspection (pending count, dead
// entries awaiting explicit resubmission).
func (s *Store) Outbox() *outbox.Outbox { return s.outbox }

// Subscribe records interest in an entity and, when connected, tells the hub.
// Recorded subscriptions are replayed after every reconnect.
func (s *Store) Subscribe(entityType models.EntityType, entityID string) error {
	req := hub.SubscribeRequest{EntityType: entityType, EntityID: entityID}

	s.mu.Lock()
	s.subscriptions[models.EntityKey(entityType, entityID)] = req
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.writeFrame(hub.MessageSubscribe, req)
}

func (s *Store) Unsubscribe(entityType models.EntityType, entityID string) error {
	req := hub.SubscribeRequest{EntityType: entityType, EntityID: entityID}

	s.mu.Lock()
	delete(s.subscriptions, models.EntityKey(entityType, entityID))
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.writeFrame(hub.MessageUnsubscribe, req)
}

// Apply merges a hub event into the local projection. Events at or below the
// already-applied sequence are ignored with a logged warning; this tolerates
// the rare out-of-order delivery after a reconnect.
func (s *Store) Apply(event *models.SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(event)
}

func (s *Store) applyLocked(event *models.SyncEvent) {
	key := event.EntityKey()
	proj, ok := s.entities[key]
	if !ok {
		proj = &projection{snapshot: make(map[string]any)}
		s.entities[key] = proj
	}

	if event.Sequence <= proj.sequence {
		log.Printf("ignoring stale event %s for %s: sequence %d already at %d",
			event.ID, key, event.Sequence, proj.sequence)
		return
	}

	if event.OperationType == models.OpDelete {
		// Tombstone rather than removal: the sequence watermark must survive
		// so straggler pre-delete events stay ignored.
		proj.snapshot = nil
		proj.deleted = true
		proj.sequence = event.Sequence
	} else {
		if proj.deleted {
			proj.snapshot = make(map[string]any)
			proj.deleted = false
		}
		event.Payload.ApplyTo(proj.snapshot)
		proj.sequence = event.Sequence
	}

	s.appendFeedLocked(describeEvent(event))
}

// Snapshot returns the local copy of one entity's state.
func (s *Store) Snapshot(entityType models.EntityType, entityID string) (map[string]any, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, ok := s.entities[models.EntityKey(entityType, entityID)]
	if !ok || proj.deleted {
		return nil, 0, false
	}

	clone := make(map[string]any, len(proj.snapshot))
	for key, value := range proj.snapshot {
		clone[key] = value
	}
	return clone, proj.sequence, true
}

// Feed returns the activity feed, newest last.
func (s *Store) Feed() []FeedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedEntry(nil), s.feed...)
}

// ClearFeed truncates the activity feed to empty.
func (s *Store) ClearFeed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = s.feed[:0]
}

// Conflicts returns conflicts that required manual resolution; each needs an
// explicit resubmission with updated context.
func (s *Store) Conflicts() []*models.ConflictResolutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ConflictResolutionEvent(nil), s.conflicts...)
}

// Status reports the connection view for the UI layer.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		IsConnected:  s.state == StateConnected,
		IsConnecting: s.state == StateConnecting || s.state == StateAuthenticating || s.state == StateReconnecting,
		LastError:    s.lastErr,
	}
}

// Disconnect tears the connection down and stops the reconnect loop. Run
// returns once the loop observes the cancellation. Safe to call before Run.
func (s *Store) Disconnect() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()
}

func (s *Store) appendFeedLocked(message string) {
	s.feed = append(s.feed, FeedEntry{At: time.Now(), Message: message})
	if len(s.feed) > s.cfg.ActivityFeedSize {
		// Evict oldest entries on overflow.
		s.feed = s.feed[len(s.feed)-s.cfg.ActivityFeedSize:]
	}
}

func (s *Store) onDeliveryFailure(failure *outbox.DeliveryFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = failure
	s.appendFeedLocked(fmt.Sprintf("delivery failed for %s %s after %d attempts",
		failure.Event.OperationType, failure.Event.EntityKey(), failure.Attempts))
}

func describeEvent(event *models.SyncEvent) string {
	switch event.OperationType {
	case models.OpCreate:
		return fmt.Sprintf("%s %s created", event.EntityType, event.EntityID)
	case models.OpDelete:
		return fmt.Sprintf("%s %s deleted", event.EntityType, event.EntityID)
	case models.OpStatusChange:
		if fields := event.Payload.Fields(); fields["status"] != nil {
			return fmt.Sprintf("%s %s is now %v", event.EntityType, event.EntityID, fields["status"])
		}
		if fields := event.Payload.Fields(); fields["state"] != nil {
			return fmt.Sprintf("%s %s is now %v", event.EntityType, event.EntityID, fields["state"])
		}
		return fmt.Sprintf("%s %s changed status", event.EntityType, event.EntityID)
	case models.OpConfigurationUpdate:
		return fmt.Sprintf("%s %s configuration updated", event.EntityType, event.EntityID)
	case models.OpPlayerAction:
		if fields := event.Payload.Fields(); fields["action"] != nil {
			return fmt.Sprintf("player %v on session %s", fields["action"], event.EntityID)
		}
		return fmt.Sprintf("player action on session %s", event.EntityID)
	default:
		return fmt.Sprintf("%s %s updated", event.EntityType, event.EntityID)
	}
}

// sendEvent is the outbox sender: it writes the event frame over the current
// connection, failing fast while disconnected so entries retry with backoff.
func (s *Store) sendEvent(ctx context.Context, event *models.SyncEvent) error {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	return s.writeFrame(hub.MessageEvent, event)
}

func (s *Store) writeFrame(messageType hub.MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}
	frame, err := json.Marshal(hub.Message{Type: messageType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", messageType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", messageType, err)
	}
	return nil
}

func (s *Store) setState(state ConnState, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}
