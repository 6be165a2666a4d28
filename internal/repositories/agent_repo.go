package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serverbound/syncengine/internal/models"
)

type PostgresAgentRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAgentRepository(pool *pgxpool.Pool) *PostgresAgentRepository {
	return &PostgresAgentRepository{pool: pool}
}

func (r *PostgresAgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	query := `INSERT INTO agents (account_id, name, agent_type)
	          VALUES ($1, $2, $3)
	          RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		agent.AccountID,
		agent.Name,
		agent.AgentType,
	).Scan(&agent.ID, &agent.CreatedAt, &agent.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (r *PostgresAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := `SELECT id, account_id, name, agent_type,
	                 last_seen_at, revoked_at, created_at, updated_at, deleted_at
	          FROM agents
	          WHERE id = $1 AND deleted_at IS NULL`

	var agent models.Agent
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&agent.ID,
		&agent.AccountID,
		&agent.Name,
		&agent.AgentType,
		&agent.LastSeenAt,
		&agent.RevokedAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
		&agent.DeletedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

func (r *PostgresAgentRepository) GetAgentsByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Agent, error) {
	query := `SELECT id, account_id, name, agent_type,
	                 last_seen_at, revoked_at, created_at, updated_at, deleted_at
	          FROM agents
	          WHERE account_id = $1 AND deleted_at IS NULL
	          ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var agent models.Agent
		err := rows.Scan(
			&agent.ID,
			&agent.AccountID,
			&agent.Name,
			&agent.AgentType,
			&agent.LastSeenAt,
			&agent.RevokedAt,
			&agent.CreatedAt,
			&agent.UpdatedAt,
			&agent.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, &agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

func (r *PostgresAgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	query := `UPDATE agents
	          SET name = $1, agent_type = $2, updated_at = NOW()
	          WHERE id = $3 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query,
		agent.Name,
		agent.AgentType,
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresAgentRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE agents
	          SET revoked_at = $1, updated_at = NOW()
	          WHERE id = $2 AND revoked_at IS NULL AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke agent: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
