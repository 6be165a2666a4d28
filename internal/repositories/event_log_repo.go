package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serverbound/syncengine/internal/models"
)

type PostgresEventLogRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogRepository(pool *pgxpool.Pool) *PostgresEventLogRepository {
	return &PostgresEventLogRepository{pool: pool}
}

// Append writes an accepted event to the durable log. The ON CONFLICT guard
// makes redelivered events a no-op so the log stays idempotent on (id).
func (r *PostgresEventLogRepository) Append(ctx context.Context, event *models.SyncEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `INSERT INTO sync_events
	          (id, origin_id, correlation_id, operation_type, entity_type, entity_id,
	           base_version, sequence, authoritative, payload, produced_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (id) DO NOTHING`

	_, err = r.pool.Exec(ctx, query,
		event.ID,
		event.OriginID,
		event.CorrelationID,
		event.OperationType,
		event.EntityType,
		event.EntityID,
		event.BaseVersion,
		event.Sequence,
		event.Authoritative,
		payload,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync event: %w", err)
	}
	return nil
}

func (r *PostgresEventLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	query := `SELECT id, origin_id, correlation_id, operation_type, entity_type, entity_id,
	                 base_version, sequence, authoritative, payload, produced_at
	          FROM sync_events
	          WHERE id = $1`

	event, err := scanEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync event: %w", err)
	}
	return event, nil
}

func (r *PostgresEventLogRepository) GetByEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncEvent, error) {
	query := `SELECT id, origin_id, correlation_id, operation_type, entity_type, entity_id,
	                 base_version, sequence, authoritative, payload, produced_at
	          FROM sync_events
	          WHERE entity_type = $1 AND entity_id = $2
	          ORDER BY sequence ASC`

	return r.queryEvents(ctx, query, entityType, entityID)
}

// GetSinceSequence returns accepted events for an entity after the given
// sequence, in acceptance order. Used for audit and replay.
func (r *PostgresEventLogRepository) GetSinceSequence(ctx context.Context, entityType models.EntityType, entityID string, sequence int64) ([]*models.SyncEvent, error) {
	query := `SELECT id, origin_id, correlation_id, operation_type, entity_type, entity_id,
	                 base_version, sequence, authoritative, payload, produced_at
	          FROM sync_events
	          WHERE entity_type = $1 AND entity_id = $2 AND sequence > $3
	          ORDER BY sequence ASC`

	return r.queryEvents(ctx, query, entityType, entityID, sequence)
}

func (r *PostgresEventLogRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*models.SyncEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync events: %w", err)
	}

	return events, nil
}

func scanEvent(row pgx.Row) (*models.SyncEvent, error) {
	var event models.SyncEvent
	var payload []byte

	err := row.Scan(
		&event.ID,
		&event.OriginID,
		&event.CorrelationID,
		&event.OperationType,
		&event.EntityType,
		&event.EntityID,
		&event.BaseVersion,
		&event.Sequence,
		&event.Authoritative,
		&payload,
		&event.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	decoded, err := models.DecodePayload(event.EntityType, payload)
	if err != nil {
		return nil, err
	}
	event.Payload = decoded

	return &event, nil
}
