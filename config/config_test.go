package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient()

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8999/api", cfg.BaseURL)
	assert.Equal(t, "ws://localhost:8999/ws", cfg.WSURL)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, StoreFile, cfg.Store)
}

func TestLoadClient_FromEnvVars(t *testing.T) {
	t.Setenv("DASHCHAT_BASE_URL", "https://chat.example.com/api")
	t.Setenv("DASHCHAT_POLL_INTERVAL", "750ms")
	t.Setenv("DASHCHAT_STORE", "redis")
	t.Setenv("DASHCHAT_REDIS_ADDR", "cache:6379")

	cfg, err := LoadClient()

	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com/api", cfg.BaseURL)
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
}

func TestLoadClient_InvalidDuration(t *testing.T) {
	t.Setenv("DASHCHAT_HTTP_TIMEOUT", "soon")

	_, err := LoadClient()
	assert.Error(t, err)
}

func TestClientValidate(t *testing.T) {
	cfg, err := LoadClient()
	require.NoError(t, err)

	cfg.Store = "sqlite"
	cfg.PollInterval = 0
	err = cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store "sqlite"`)
	assert.Contains(t, err.Error(), "poll interval must be positive")
}

func TestLoadServer_Defaults(t *testing.T) {
	cfg, err := LoadServer()

	require.NoError(t, err)
	assert.Equal(t, ":8999", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 20, cfg.FramesPerSecond)
}

func TestServerValidate(t *testing.T) {
	cfg := Server{Addr: ":1", JWTSecret: "", AccessTTL: time.Minute, RefreshTTL: time.Hour, FramesPerSecond: 1}
	assert.ErrorContains(t, cfg.Validate(), "jwt secret is required")
}
