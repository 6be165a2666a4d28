package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/serverbound/syncengine/internal/hub"
	"github.com/serverbound/syncengine/internal/models"
)

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run drives the connection state machine until ctx is cancelled or the
// reconnect budget is exhausted. It blocks; callers run it in a goroutine and
// watch Status() or the returned error.
func (s *Store) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	ctx = runCtx

	go s.outbox.Run(ctx)

	attempts := 0
	reconnecting := false
	for {
		if reconnecting {
			s.setState(StateReconnecting, nil)
		} else {
			s.setState(StateConnecting, nil)
		}

		conn, err := s.dialer.Dial(ctx, s.url)
		if err == nil {
			var connected bool
			connected, err = s.session(ctx, conn)
			if connected {
				// A completed handshake restores the full reconnect budget.
				attempts = 0
			}
		}
		s.outbox.ResetInFlight()

		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil)
			return ctx.Err()
		}

		var authErr *authError
		if errors.As(err, &authErr) {
			// Credential rejection never recovers by retrying.
			s.setState(StateFailed, err)
			return err
		}

		attempts++
		if attempts >= s.cfg.ReconnectMaxAttempts {
			connErr := &ConnectionError{Attempts: attempts, Err: err}
			s.setState(StateFailed, connErr)
			return connErr
		}

		delay := reconnectBackoff(s.cfg.ReconnectBackoffBase, s.cfg.ReconnectBackoffCap, attempts)
		log.Printf("connection lost (%v), reconnecting in %s (attempt %d/%d)",
			err, delay, attempts, s.cfg.ReconnectMaxAttempts)
		reconnecting = true

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected, nil)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type authError struct {
	message string
}

func (e *authError) Error() string { return "authentication rejected: " + e.message }

// session runs one connected lifetime: handshake, resubscribe with resync,
// then the read loop until the connection drops. connected reports whether the
// handshake completed, which restores the caller's reconnect budget.
func (s *Store) session(ctx context.Context, conn Conn) (connected bool, err error) {
	defer func() {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		conn.Close()
	}()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.setState(StateAuthenticating, nil)
	if err := s.writeFrame(hub.MessageAuth, hub.AuthRequest{Token: s.token}); err != nil {
		return false, err
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("failed to read auth reply: %w", err)
	}
	var reply hub.Message
	if err := json.Unmarshal(frame, &reply); err != nil {
		return false, fmt.Errorf("malformed auth reply: %w", err)
	}
	if reply.Type == hub.MessageError {
		var errMsg hub.ErrorMessage
		_ = json.Unmarshal(reply.Data, &errMsg)
		return false, &authError{message: errMsg.Message}
	}
	if reply.Type != hub.MessageAuth {
		return false, fmt.Errorf("unexpected handshake reply type %q", reply.Type)
	}

	s.setState(StateConnected, nil)

	// Snapshots arrive before any queued events resume, so the projection is
	// consistent before incremental application restarts.
	if err := s.resubscribe(); err != nil {
		return true, err
	}

	return true, s.readLoop(ctx, conn)
}

func (s *Store) resubscribe() error {
	s.mu.Lock()
	subs := make([]hub.SubscribeRequest, 0, len(s.subscriptions))
	for _, req := range s.subscriptions {
		subs = append(subs, req)
	}
	s.mu.Unlock()

	for _, req := range subs {
		if err := s.writeFrame(hub.MessageSubscribe, req); err != nil {
			return err
		}
		resync := hub.ResyncRequest{EntityType: req.EntityType, EntityID: req.EntityID}
		if err := s.writeFrame(hub.MessageResync, resync); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msg hub.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Printf("dropping malformed frame: %v", err)
			continue
		}
		s.handleFrame(&msg)
	}
}

func (s *Store) handleFrame(msg *hub.Message) {
	switch msg.Type {
	case hub.MessageEvent:
		var event models.SyncEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("dropping malformed event frame: %v", err)
			return
		}
		s.Apply(&event)

	case hub.MessageAck:
		var ack hub.AckMessage
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			log.Printf("dropping malformed ack frame: %v", err)
			return
		}
		s.outbox.Ack(ack.EventID)
		if ack.Resolution == models.ResolutionAcceptCloud {
			s.mu.Lock()
			s.appendFeedLocked(fmt.Sprintf("local change %s superseded by newer update", ack.EventID))
			s.mu.Unlock()
		}

	case hub.MessageSnapshot:
		var snap hub.SnapshotMessage
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			log.Printf("dropping malformed snapshot frame: %v", err)
			return
		}
		s.applySnapshot(&snap)

	case hub.MessageError:
		var errMsg hub.ErrorMessage
		if err := json.Unmarshal(msg.Data, &errMsg); err != nil {
			log.Printf("dropping malformed error frame: %v", err)
			return
		}
		s.handleError(&errMsg)

	default:
		log.Printf("ignoring unexpected frame type %q", msg.Type)
	}
}

// applySnapshot replaces the projection wholesale. The hub's snapshot already
// reflects every event up to its sequence, so events at or below it are stale.
func (s *Store) applySnapshot(snap *hub.SnapshotMessage) {
	key := models.EntityKey(snap.EntityType, snap.EntityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Snapshot == nil {
		s.entities[key] = &projection{sequence: snap.Sequence, deleted: true}
		return
	}
	clone := make(map[string]any, len(snap.Snapshot))
	for field, value := range snap.Snapshot {
		clone[field] = value
	}
	s.entities[key] = &projection{sequence: snap.Sequence, snapshot: clone}
}

func (s *Store) handleError(errMsg *hub.ErrorMessage) {
	s.mu.Lock()
	if errMsg.Conflict != nil {
		s.conflicts = append(s.conflicts, errMsg.Conflict)
		s.appendFeedLocked(fmt.Sprintf("conflict on event %s requires manual resolution", errMsg.EventID))
	} else {
		s.lastErr = errors.New(errMsg.Message)
		s.appendFeedLocked(fmt.Sprintf("server rejected event %s: %s", errMsg.EventID, errMsg.Message))
	}
	s.mu.Unlock()

	if errMsg.EventID != uuid.Nil {
		// Stop retrying an event the server has definitively rejected.
		s.outbox.Ack(errMsg.EventID)
	}
}

func reconnectBackoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
