package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OperationType string

const (
	OpCreate              OperationType = "create"
	OpUpdate              OperationType = "update"
	OpDelete              OperationType = "delete"
	OpStatusChange        OperationType = "status_change"
	OpConfigurationUpdate OperationType = "configuration_update"
	OpPlayerAction        OperationType = "player_action"
)

type EntityType string

const (
	EntityServer        EntityType = "server"
	EntityCommunity     EntityType = "community"
	EntityPlugin        EntityType = "plugin"
	EntityUser          EntityType = "user"
	EntityPlayerSession EntityType = "player_session"
)

// allowedOperations is the operation/entity validity matrix. player_action is
// only meaningful for player sessions; communities carry no process status.
var allowedOperations = map[EntityType]map[OperationType]bool{
	EntityServer: {
		OpCreate: true, OpUpdate: true, OpDelete: true,
		OpStatusChange: true, OpConfigurationUpdate: true,
	},
	EntityCommunity: {
		OpCreate: true, OpUpdate: true, OpDelete: true,
		OpConfigurationUpdate: true,
	},
	EntityPlugin: {
		OpCreate: true, OpUpdate: true, OpDelete: true,
		OpStatusChange: true, OpConfigurationUpdate: true,
	},
	EntityUser: {
		OpCreate: true, OpUpdate: true, OpDelete: true,
		OpStatusChange: true,
	},
	EntityPlayerSession: {
		OpCreate: true, OpUpdate: true, OpDelete: true,
		OpStatusChange: true, OpPlayerAction: true,
	},
}

// SyncEvent is the atomic unit of change flowing between clients, the outbox
// and the dispatch hub. Timestamp is producer wall-clock and advisory only;
// ordering is decided by the server-assigned Sequence.
type SyncEvent struct {
	ID            uuid.UUID     `json:"id"`
	OriginID      string        `json:"origin_id"`
	CorrelationID uuid.UUID     `json:"correlation_id"`
	OperationType OperationType `json:"operation_type"`
	EntityType    EntityType    `json:"entity_type"`
	EntityID      string        `json:"entity_id"`
	BaseVersion   int64         `json:"base_version"`
	// Sequence is assigned by the conflict detector on acceptance; zero until then.
	Sequence int64 `json:"sequence,omitempty"`
	// Authoritative marks ground-truth status reports from the owning process
	// (e.g. the desktop agent that actually runs the server binary).
	Authoritative bool         `json:"authoritative,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Payload       EventPayload `json:"-"`
}

// EntityKey combines entity type and id into the ordering key.
func (e *SyncEvent) EntityKey() string {
	return EntityKey(e.EntityType, e.EntityID)
}

func EntityKey(entityType EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

// SplitEntityKey reverses EntityKey.
func SplitEntityKey(key string) (EntityType, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return EntityType(key[:i]), key[i+1:], true
		}
	}
	return "", "", false
}

// NewSyncEvent validates the operation/entity/payload combination and builds
// an event ready for the outbox. Malformed combinations fail fast with a
// *ValidationError before anything is enqueued.
func NewSyncEvent(originID string, op OperationType, entityType EntityType, entityID string, baseVersion int64, payload EventPayload) (*SyncEvent, error) {
	if originID == "" {
		return nil, &ValidationError{Field: "origin_id", Reason: "must not be empty"}
	}
	if entityID == "" {
		return nil, &ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	ops, ok := allowedOperations[entityType]
	if !ok {
		return nil, &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	if !ops[op] {
		return nil, &ValidationError{Field: "operation_type", Reason: fmt.Sprintf("operation %q not allowed for entity type %q", op, entityType)}
	}
	if baseVersion < 0 {
		return nil, &ValidationError{Field: "base_version", Reason: "must not be negative"}
	}
	if payload == nil {
		return nil, &ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	if payload.PayloadEntityType() != entityType {
		return nil, &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("payload variant %q does not match entity type %q", payload.PayloadEntityType(), entityType),
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if op == OpPlayerAction {
		ps, ok := payload.(*PlayerSessionPayload)
		if !ok || ps.Action == nil {
			return nil, &ValidationError{Field: "payload", Reason: "player_action requires an action"}
		}
	}

	return &SyncEvent{
		ID:            uuid.New(),
		OriginID:      originID,
		CorrelationID: uuid.New(),
		OperationType: op,
		EntityType:    entityType,
		EntityID:      entityID,
		BaseVersion:   baseVersion,
		Timestamp:     time.Now(),
		Payload:       payload,
	}, nil
}

// syncEventWire carries the payload as raw JSON so the tagged variant can be
// decoded based on entity_type.
type syncEventWire struct {
	ID            uuid.UUID       `json:"id"`
	OriginID      string          `json:"origin_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OperationType OperationType   `json:"operation_type"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	BaseVersion   int64           `json:"base_version"`
	Sequence      int64           `json:"sequence,omitempty"`
	Authoritative bool            `json:"authoritative,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

func (e *SyncEvent) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	return json.Marshal(syncEventWire{
		ID:            e.ID,
		OriginID:      e.OriginID,
		CorrelationID: e.CorrelationID,
		OperationType: e.OperationType,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		BaseVersion:   e.BaseVersion,
		Sequence:      e.Sequence,
		Authoritative: e.Authoritative,
		Timestamp:     e.Timestamp,
		Payload:       raw,
	})
}

func (e *SyncEvent) UnmarshalJSON(data []byte) error {
	var wire syncEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to unmarshal sync event: %w", err)
	}

	payload, err := DecodePayload(wire.EntityType, wire.Payload)
	if err != nil {
		return err
	}

	e.ID = wire.ID
	e.OriginID = wire.OriginID
	e.CorrelationID = wire.CorrelationID
	e.OperationType = wire.OperationType
	e.EntityType = wire.EntityType
	e.EntityID = wire.EntityID
	e.BaseVersion = wire.BaseVersion
	e.Sequence = wire.Sequence
	e.Authoritative = wire.Authoritative
	e.Timestamp = wire.Timestamp
	e.Payload = payload
	return nil
}

// DecodePayload decodes the tagged payload variant for an entity type.
func DecodePayload(entityType EntityType, raw json.RawMessage) (EventPayload, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "missing payload"}
	}

	var payload EventPayload
	switch entityType {
	case EntityServer:
		payload = &ServerPayload{}
	case EntityCommunity:
		payload = &CommunityPayload{}
	case EntityPlugin:
		payload = &PluginPayload{}
	case EntityUser:
		payload = &UserPayload{}
	case EntityPlayerSession:
		payload = &PlayerSessionPayload{}
	default:
		return nil, &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", entityType, err)
	}
	return payload, nil
}
