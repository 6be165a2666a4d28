package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/serverbound/syncengine/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Update(ctx context.Context, account *models.Account) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentsByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

// EventLogRepository is the durable log of accepted sync events. It exists for
// audit and post-reconnect replay, not for ordering: sequence numbers are
// assigned by the conflict detector before events reach the log.
type EventLogRepository interface {
	Append(ctx context.Context, event *models.SyncEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error)
	GetByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncEvent, error)
	GetSinceSequence(ctx context.Context, entityType models.EntityType, entityID string, sequence int64) ([]*models.SyncEvent, error)
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, agentID uuid.UUID) (*models.Presence, error)
	DeletePresence(ctx context.Context, agentID uuid.UUID) error
	GetBulkPresence(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error)
}
