package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/serverbound/syncengine/internal/models"
)

const (
	presenceKeyPrefix = "presence:"
	presenceTTL       = 60 * time.Second // Presence expires after 60 seconds without heartbeat
)

type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

// SetPresence sets or updates the presence for an agent with automatic TTL.
// Connected agents refresh this on every hub heartbeat to stay "online".
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = time.Now()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := presenceKey(presence.AgentID)
	err = r.client.Set(ctx, key, data, presenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}

	return nil
}

func (r *RedisPresenceRepository) GetPresence(ctx context.Context, agentID uuid.UUID) (*models.Presence, error) {
	key := presenceKey(agentID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// No presence = agent is offline
		return &models.Presence{
			AgentID:  agentID,
			Status:   string(models.StatusOffline),
			LastSeen: time.Time{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}

	return &presence, nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, agentID uuid.UUID) error {
	key := presenceKey(agentID)

	err := r.client.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	return nil
}

// GetBulkPresence retrieves presence for multiple agents in a single call.
func (r *RedisPresenceRepository) GetBulkPresence(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error) {
	if len(agentIDs) == 0 {
		return make(map[uuid.UUID]models.Presence), nil
	}

	keys := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		keys[i] = presenceKey(id)
	}

	// MGet retrieves multiple keys in one round trip
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	presenceMap := make(map[uuid.UUID]models.Presence)

	for i, result := range results {
		agentID := agentIDs[i]

		if result == nil {
			presenceMap[agentID] = models.Presence{
				AgentID:  agentID,
				Status:   string(models.StatusOffline),
				LastSeen: time.Time{},
			}
			continue
		}

		data, ok := result.(string)
		if !ok {
			continue
		}

		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			// If we can't unmarshal, treat as offline
			presenceMap[agentID] = models.Presence{
				AgentID:  agentID,
				Status:   string(models.StatusOffline),
				LastSeen: time.Time{},
			}
			continue
		}

		presenceMap[agentID] = presence
	}

	return presenceMap, nil
}

// Helper: build Redis key for presence
func presenceKey(agentID uuid.UUID) string {
	return presenceKeyPrefix + agentID.String()
}
