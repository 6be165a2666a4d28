package hub

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/serverbound/syncengine/internal/models"
)

type MessageType string

const (
	MessageAuth        MessageType = "auth"
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessageEvent       MessageType = "event"
	MessageResync      MessageType = "resync"
	MessageSnapshot    MessageType = "snapshot"
	MessageAck         MessageType = "ack"
	MessageError       MessageType = "error"
)

// Message is the transport envelope: a type tag plus a type-specific payload.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthResponse struct {
	ConnectionID string    `json:"connection_id"`
	AccountID    uuid.UUID `json:"account_id"`
	AgentID      uuid.UUID `json:"agent_id"`
}

type SubscribeRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

type ResyncRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

// SnapshotMessage carries the full authoritative state for one entity, sent
// in response to a resync request after reconnect.
type SnapshotMessage struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Sequence   int64             `json:"sequence"`
	Snapshot   map[string]any    `json:"snapshot"`
}

// AckMessage confirms an event reached the detector. Resolution is set when
// the event was resolved against a conflict (merge, accept_cloud) so the
// producer knows whether its intent was applied.
type AckMessage struct {
	EventID    uuid.UUID         `json:"event_id"`
	Sequence   int64             `json:"sequence,omitempty"`
	Resolution models.Resolution `json:"resolution,omitempty"`
}

type ErrorMessage struct {
	Code     string                          `json:"code"`
	Message  string                          `json:"message"`
	EventID  uuid.UUID                       `json:"event_id,omitempty"`
	Conflict *models.ConflictResolutionEvent `json:"conflict,omitempty"`
}

const (
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeValidation     = "validation_failed"
	ErrCodeConflict       = "conflict_unresolved"
	ErrCodeNotFound       = "not_found"
	ErrCodeMalformedFrame = "malformed_frame"
	ErrCodeInternal       = "internal_error"
)

func newMessage(messageType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", messageType, err)
	}
	return &Message{Type: messageType, Data: data}, nil
}

func encodeMessage(messageType MessageType, payload any) ([]byte, error) {
	msg, err := newMessage(messageType, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}
