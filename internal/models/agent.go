package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is an edge process that originates sync events: a desktop host agent
// running game servers, or a dashboard/web client connection.
type Agent struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Name       string     `json:"name"`
	AgentType  string     `json:"agent_type"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type AgentType string

const (
	AgentTypeDesktop   AgentType = "desktop"
	AgentTypeDashboard AgentType = "dashboard"
	AgentTypeWeb       AgentType = "web"
)
