package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	Sync SyncConfig
}

// SyncConfig holds the externally configurable sync-engine policy: retry
// budgets, backoff shape and queue depths are never hard-coded.
type SyncConfig struct {
	// Outbox retry policy.
	OutboxMaxAttempts       int
	OutboxBackoffBase       time.Duration
	OutboxBackoffMultiplier float64
	OutboxBackoffCap        time.Duration
	OutboxDrainInterval     time.Duration
	OutboxAckTimeout        time.Duration

	// Hub per-connection outbound queue depth; overflow drops the connection.
	HubSendQueueDepth int

	// Client reconnect policy.
	ReconnectMaxAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration

	// Client activity feed bound (most-recent-N).
	ActivityFeedSize int
}

func LoadConfig() (*Config, error) {
	expiryStr := getEnv("JWT_EXPIRY", "24h")
	expiry, err := time.ParseDuration(expiryStr)
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	syncCfg, err := loadSyncConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   expiry,
		Sync:        syncCfg,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

func loadSyncConfig() (SyncConfig, error) {
	cfg := SyncConfig{}

	var err error
	if cfg.OutboxMaxAttempts, err = getEnvInt("OUTBOX_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.OutboxBackoffBase, err = getEnvDuration("OUTBOX_BACKOFF_BASE", 500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.OutboxBackoffMultiplier, err = getEnvFloat("OUTBOX_BACKOFF_MULTIPLIER", 2.0); err != nil {
		return cfg, err
	}
	if cfg.OutboxBackoffCap, err = getEnvDuration("OUTBOX_BACKOFF_CAP", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.OutboxDrainInterval, err = getEnvDuration("OUTBOX_DRAIN_INTERVAL", 250*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.OutboxAckTimeout, err = getEnvDuration("OUTBOX_ACK_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.HubSendQueueDepth, err = getEnvInt("HUB_SEND_QUEUE_DEPTH", 64); err != nil {
		return cfg, err
	}
	if cfg.ReconnectMaxAttempts, err = getEnvInt("RECONNECT_MAX_ATTEMPTS", 8); err != nil {
		return cfg, err
	}
	if cfg.ReconnectBackoffBase, err = getEnvDuration("RECONNECT_BACKOFF_BASE", 1*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReconnectBackoffCap, err = getEnvDuration("RECONNECT_BACKOFF_CAP", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ActivityFeedSize, err = getEnvInt("ACTIVITY_FEED_SIZE", 100); err != nil {
		return cfg, err
	}

	if cfg.OutboxMaxAttempts < 1 {
		return cfg, errors.New("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.OutboxBackoffMultiplier < 1 {
		return cfg, errors.New("OUTBOX_BACKOFF_MULTIPLIER must be at least 1")
	}
	if cfg.HubSendQueueDepth < 1 {
		return cfg, errors.New("HUB_SEND_QUEUE_DEPTH must be at least 1")
	}
	if cfg.ActivityFeedSize < 1 {
		return cfg, errors.New("ACTIVITY_FEED_SIZE must be at least 1")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
