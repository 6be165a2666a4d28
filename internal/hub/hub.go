package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/serverbound/syncengine/internal/models"
	"github.com/serverbound/syncengine/internal/repositories"
	"github.com/serverbound/syncengine/internal/services"
	"github.com/serverbound/syncengine/internal/syncer"
)

const (
	writeWait   = 10 * time.Second
	authWait    = 10 * time.Second
	pingPeriod  = 30 * time.Second
	maxFrameLen = 1 << 20
)

// Subscription is one (connection, entityType, entityId) routing membership.
type Subscription struct {
	ConnectionID string
	EntityType   models.EntityType
	EntityID     string
}

// Authenticator validates the handshake token before any subscription or
// event traffic is accepted.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*services.TokenClaims, error)
}

// wsConn is the slice of *websocket.Conn the hub needs; tests substitute a
// fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Hub is the server-side real-time fan-out: it accepts authenticated
// connections, maintains per-entity subscription sets and pushes accepted
// events in per-entity acceptance order.
type Hub struct {
	detector   *syncer.Detector
	auth       Authenticator
	presence   repositories.PresenceRepository
	queueDepth int

	mu    sync.Mutex
	conns map[string]*Connection
	subs  map[string]map[string]*Connection // entity key -> connection id -> conn

	// entityLocks serializes apply+fan-out per entity so events enter the
	// per-connection send queues in acceptance order.
	entityLocks map[string]*sync.Mutex
}

func NewHub(detector *syncer.Detector, auth Authenticator, presence repositories.PresenceRepository, queueDepth int) *Hub {
	return &Hub{
		detector:    detector,
		auth:        auth,
		presence:    presence,
		queueDepth:  queueDepth,
		conns:       make(map[string]*Connection),
		subs:        make(map[string]map[string]*Connection),
		entityLocks: make(map[string]*sync.Mutex),
	}
}

// Connection is one concurrent handling unit: a read pump plus a write pump
// draining a bounded send queue. A full queue drops the connection rather than
// blocking other consumers.
type Connection struct {
	ID        string
	AccountID uuid.UUID
	AgentID   uuid.UUID

	hub       *Hub
	conn      wsConn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// Serve runs the full connection lifecycle on an upgraded websocket:
// authentication handshake first, then the subscription/event loop until the
// peer disconnects or overflows its send queue.
func (h *Hub) Serve(ctx context.Context, ws wsConn) {
	ws.SetReadLimit(maxFrameLen)

	conn, err := h.handshake(ctx, ws)
	if err != nil {
		// Unauthenticated traffic gets a fatal close.
		h.writeDirect(ws, MessageError, ErrorMessage{Code: ErrCodeUnauthorized, Message: err.Error()})
		ws.Close()
		return
	}

	h.register(conn)
	defer h.Unregister(conn.ID)

	go conn.writePump()
	conn.readPump(ctx)
}

// handshake reads exactly one frame, which must be an auth message carrying a
// verifiable token.
func (h *Hub) handshake(ctx context.Context, ws wsConn) (*Connection, error) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.New("connection closed before authentication")
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != MessageAuth {
		return nil, errors.New("first frame must be an auth message")
	}

	var req AuthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Token == "" {
		return nil, errors.New("auth frame missing token")
	}

	authCtx, cancel := context.WithTimeout(ctx, authWait)
	defer cancel()

	claims, err := h.auth.Authenticate(authCtx, req.Token)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:        uuid.New().String(),
		AccountID: claims.AccountID,
		AgentID:   claims.AgentID,
		hub:       h,
		conn:      ws,
		send:      make(chan []byte, h.queueDepth),
		done:      make(chan struct{}),
	}

	h.writeDirect(ws, MessageAuth, AuthResponse{
		ConnectionID: conn.ID,
		AccountID:    conn.AccountID,
		AgentID:      conn.AgentID,
	})
	return conn, nil
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	h.touchPresence(conn)
}

// Unregister removes the connection and all of its subscriptions immediately;
// nothing is marked for later cleanup.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if ok {
		delete(h.conns, connectionID)
	}
	for key, set := range h.subs {
		if _, subscribed := set[connectionID]; subscribed {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	conn.close()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.DeletePresence(ctx, conn.AgentID); err != nil {
			log.Printf("failed to delete presence for agent %s: %v", conn.AgentID, err)
		}
	}
}

// Subscribe adds the connection to the entity's routing set. Idempotent.
func (h *Hub) Subscribe(connectionID string, entityType models.EntityType, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connectionID]
	if !ok {
		return
	}

	key := models.EntityKey(entityType, entityID)
	set, ok := h.subs[key]
	if !ok {
		set = make(map[string]*Connection)
		h.subs[key] = set
	}
	set[connectionID] = conn
}

// Unsubscribe removes the connection from the entity's routing set. Idempotent.
func (h *Hub) Unsubscribe(connectionID string, entityType models.EntityType, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := models.EntityKey(entityType, entityID)
	if set, ok := h.subs[key]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
}

// Subscribers returns the connection ids currently routed for an entity.
func (h *Hub) Subscribers(entityType models.EntityType, entityID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[models.EntityKey(entityType, entityID)]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Subscriptions lists a connection's current memberships.
func (h *Hub) Subscriptions(connectionID string) []Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var subscriptions []Subscription
	for key, set := range h.subs {
		if _, ok := set[connectionID]; !ok {
			continue
		}
		entityType, entityID, ok := models.SplitEntityKey(key)
		if !ok {
			continue
		}
		subscriptions = append(subscriptions, Subscription{
			ConnectionID: connectionID,
			EntityType:   entityType,
			EntityID:     entityID,
		})
	}
	return subscriptions
}

// Process runs one event through the conflict detector and fans out the
// result. The per-entity lock spans apply and fan-out so accepted events reach
// subscriber queues in acceptance order.
func (h *Hub) Process(ctx context.Context, origin *Connection, event *models.SyncEvent) {
	lock := h.entityLock(event.EntityKey())
	lock.Lock()
	accepted, conflict, err := h.detector.Apply(ctx, event)
	if accepted != nil {
		h.Publish(accepted)
	}
	lock.Unlock()

	if origin == nil {
		return
	}

	var unresolved *syncer.ConflictUnresolvedError
	switch {
	case errors.As(err, &unresolved):
		origin.sendMessage(MessageError, ErrorMessage{
			Code:     ErrCodeConflict,
			Message:  unresolved.Error(),
			EventID:  event.ID,
			Conflict: unresolved.Conflict,
		})
	case err != nil:
		origin.sendMessage(MessageError, ErrorMessage{
			Code:    ErrCodeValidation,
			Message: err.Error(),
			EventID: event.ID,
		})
	case accepted == nil && conflict != nil:
		// Stale intent dropped (accept_cloud): acknowledge so the producer's
		// outbox stops retrying, and carry the resolution so the UI can show
		// the authoritative value won.
		origin.sendMessage(MessageAck, AckMessage{
			EventID:    event.ID,
			Resolution: conflict.Resolution,
		})
	default:
		resolution := models.Resolution("")
		if conflict != nil {
			resolution = conflict.Resolution
		}
		origin.sendMessage(MessageAck, AckMessage{
			EventID:    event.ID,
			Sequence:   accepted.Sequence,
			Resolution: resolution,
		})
	}
}

// Publish routes an accepted event to every connection subscribed to its
// entity, including the originator (echo drives optimistic-UI confirmation).
func (h *Hub) Publish(event *models.SyncEvent) {
	data, err := encodeMessage(MessageEvent, event)
	if err != nil {
		log.Printf("failed to encode event %s: %v", event.ID, err)
		return
	}

	h.mu.Lock()
	set := h.subs[event.EntityKey()]
	targets := make([]*Connection, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		conn.enqueue(data)
	}
}

func (h *Hub) touchPresence(conn *Connection) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.presence.SetPresence(ctx, &models.Presence{
		AccountID: conn.AccountID,
		AgentID:   conn.AgentID,
		Status:    string(models.StatusOnline),
	})
	if err != nil {
		log.Printf("failed to refresh presence for agent %s: %v", conn.AgentID, err)
	}
}

func (h *Hub) entityLock(key string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	lock, ok := h.entityLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.entityLocks[key] = lock
	}
	return lock
}

// writeDirect is for pre-registration frames (handshake replies, fatal
// errors) written before the write pump exists.
func (h *Hub) writeDirect(ws wsConn, messageType MessageType, payload any) {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		log.Printf("failed to encode %s frame: %v", messageType, err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("failed to write %s frame: %v", messageType, err)
	}
}

// readPump handles inbound frames until the connection dies.
func (c *Connection) readPump(ctx context.Context) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeMalformedFrame, Message: "invalid frame"})
			continue
		}

		switch msg.Type {
		case MessageSubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeMalformedFrame, Message: "invalid subscribe frame"})
				continue
			}
			c.hub.Subscribe(c.ID, req.EntityType, req.EntityID)

		case MessageUnsubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeMalformedFrame, Message: "invalid unsubscribe frame"})
				continue
			}
			c.hub.Unsubscribe(c.ID, req.EntityType, req.EntityID)

		case MessageEvent:
			var event models.SyncEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeValidation, Message: err.Error()})
				continue
			}
			c.hub.Process(ctx, c, &event)

		case MessageResync:
			var req ResyncRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeMalformedFrame, Message: "invalid resync frame"})
				continue
			}
			c.handleResync(req)

		default:
			c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeMalformedFrame, Message: "unknown frame type"})
		}
	}
}

func (c *Connection) handleResync(req ResyncRequest) {
	version, ok := c.hub.detector.Snapshot(req.EntityType, req.EntityID)
	if !ok {
		c.sendMessage(MessageError, ErrorMessage{Code: ErrCodeNotFound, Message: "unknown entity"})
		return
	}
	c.sendMessage(MessageSnapshot, SnapshotMessage{
		EntityType: version.EntityType,
		EntityID:   version.EntityID,
		Sequence:   version.Sequence,
		Snapshot:   version.Snapshot,
	})
}

// writePump drains the bounded send queue onto the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.Unregister(c.ID)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c.ID)
				return
			}
			// Presence keys carry a TTL; each ping cycle keeps ours alive.
			go c.hub.touchPresence(c)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) sendMessage(messageType MessageType, payload any) {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		log.Printf("failed to encode %s frame: %v", messageType, err)
		return
	}
	c.enqueue(data)
}

// enqueue appends to the bounded send queue. On overflow the connection is
// dropped, forcing the client to reconnect and resync, rather than buffering
// unbounded memory or blocking other consumers.
func (c *Connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Printf("send queue overflow, dropping connection %s", c.ID)
		go c.hub.Unregister(c.ID)
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
