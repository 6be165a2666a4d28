package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/sync")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
}

// TestLoadConfig_Defaults tests default values with only the required vars set
func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiry)
	assert.Equal(t, 5, cfg.Sync.OutboxMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.OutboxBackoffBase)
	assert.Equal(t, 2.0, cfg.Sync.OutboxBackoffMultiplier)
	assert.Equal(t, 30*time.Second, cfg.Sync.OutboxBackoffCap)
	assert.Equal(t, 64, cfg.Sync.HubSendQueueDepth)
	assert.Equal(t, 8, cfg.Sync.ReconnectMaxAttempts)
	assert.Equal(t, 100, cfg.Sync.ActivityFeedSize)
}

// TestLoadConfig_MissingRequired tests that each required var is enforced
func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "DATABASE_URL")

	setRequired(t)
	t.Setenv("REDIS_URL", "")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "REDIS_URL")

	setRequired(t)
	t.Setenv("JWT_SECRET", "")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "JWT_SECRET")
}

// TestLoadConfig_Overrides tests env var parsing for the sync policy knobs
func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "7")
	t.Setenv("OUTBOX_BACKOFF_BASE", "250ms")
	t.Setenv("OUTBOX_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("HUB_SEND_QUEUE_DEPTH", "256")
	t.Setenv("RECONNECT_BACKOFF_CAP", "2m")
	t.Setenv("ACTIVITY_FEED_SIZE", "25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Sync.OutboxMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.OutboxBackoffBase)
	assert.Equal(t, 1.5, cfg.Sync.OutboxBackoffMultiplier)
	assert.Equal(t, 256, cfg.Sync.HubSendQueueDepth)
	assert.Equal(t, 2*time.Minute, cfg.Sync.ReconnectBackoffCap)
	assert.Equal(t, 25, cfg.Sync.ActivityFeedSize)
}

// TestLoadConfig_InvalidValues tests parse and bounds failures
func TestLoadConfig_InvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "many")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "OUTBOX_MAX_ATTEMPTS")

	setRequired(t)
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "0")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OUTBOX_MAX_ATTEMPTS")

	setRequired(t)
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "")
	t.Setenv("OUTBOX_BACKOFF_MULTIPLIER", "0.5")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OUTBOX_BACKOFF_MULTIPLIER")

	setRequired(t)
	t.Setenv("OUTBOX_BACKOFF_BASE", "soon")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "OUTBOX_BACKOFF_BASE")

	setRequired(t)
	t.Setenv("JWT_EXPIRY", "never")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "JWT_EXPIRY")
}
