package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100200300")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Relay.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Relay.InactivityThreshold)
	assert.Equal(t, int64(-100200300), cfg.Telegram.ChatID)
	assert.Equal(t, "https://api.telegram.org", cfg.Telegram.APIBaseURL)
	assert.Equal(t, "memory", cfg.Correlation.Store)
	assert.Equal(t, 2*time.Hour, cfg.Correlation.Redis.TTL)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "15")
	t.Setenv("RELAY_INACTIVITY_THRESHOLD", "20m")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CORRELATION_STORE", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_MAX_SIZE", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 20*time.Minute, cfg.Relay.InactivityThreshold)
	assert.Equal(t, "redis", cfg.Correlation.Store)
	assert.Equal(t, 50, cfg.Logger.MaxSize)
}

func TestLoadRequiresOperatorCredentials(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "TELEGRAM_CHAT_ID")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                    "80 80",
		"TELEGRAM_CHAT_ID":        "operator",
		"RELAY_SWEEP_INTERVAL":    "often",
		"CORRELATION_STORE":       "etcd",
		"RELAY_MAX_MESSAGE_BYTES": "lots",
		"LOG_COMPRESS":            "maybe",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestRedisStoreNeedsAddr(t *testing.T) {
	setRequired(t)
	t.Setenv("CORRELATION_STORE", "redis")
	t.Setenv("REDIS_ADDR", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}
