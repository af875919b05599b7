package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_Defaults(t *testing.T) {
	cfg, err := NewConfigLoader("").LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.RoomTTL)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, ":9090", cfg.Port)
	assert.Empty(t, cfg.Mongo.URI)
}

func TestConfigLoader_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := []byte("port: \":8081\"\nroom_ttl: 30m\nhistory_limit: 20\nlogger:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("CHAT_HISTORY_LIMIT", "50")
	t.Setenv("CHAT_LOGGER_DEVELOPMENT", "false")

	cfg, err := NewConfigLoader(path).LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.RoomTTL)
	assert.Equal(t, 50, cfg.HistoryLimit, "environment wins over file")
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.False(t, cfg.Logger.Development)
}

func TestConfigLoader_MissingFile(t *testing.T) {
	_, err := NewConfigLoader(filepath.Join(t.TempDir(), "nope.yaml")).LoadConfig()
	require.Error(t, err)
}

func TestConfigLoader_Invalid(t *testing.T) {
	t.Setenv("CHAT_HISTORY_LIMIT", "0")

	_, err := NewConfigLoader("").LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_limit")
}

func TestConfigManager_Summary(t *testing.T) {
	cm := NewConfigManager("")
	require.NoError(t, cm.Initialize())

	summary := cm.GetConfigSummary()
	rooms, ok := summary["rooms"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1h0m0s", rooms["room_ttl"])

	features := summary["features"].(map[string]interface{})
	assert.Equal(t, false, features["analytics"])
}

func TestConfigManager_ReloadCallbacks(t *testing.T) {
	cm := NewConfigManager("")
	require.NoError(t, cm.Initialize())

	var got *ServerConfig
	cm.RegisterCallback(func(c *ServerConfig) { got = c })

	var reloadErr error
	cm.OnError(func(err error) { reloadErr = err })

	next := DefaultServerConfig()
	next.HistoryLimit = 7
	cm.onConfigChange(next, nil)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.HistoryLimit)
	assert.Equal(t, 7, cm.GetConfig().HistoryLimit)

	cm.onConfigChange(nil, assert.AnError)
	assert.ErrorIs(t, reloadErr, assert.AnError)
	assert.Equal(t, 7, cm.GetConfig().HistoryLimit, "failed reload keeps previous config")
}

func TestRateLimiter(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimitMessages = 2
	cfg.RateLimitWindow = time.Minute

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(cfg)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"), "limits are per connection")

	remaining, limit, _ := rl.Status("c1")
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 2, limit)

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("c1"), "window resets")

	rl.Forget("c1")
	remaining, _, _ = rl.Status("c1")
	assert.Equal(t, 2, remaining)
}

func TestConnectionHealth(t *testing.T) {
	h := NewConnectionHealth()
	assert.True(t, h.CheckHealth(time.Second), "no ping sent yet")

	h.RecordPing()
	h.RecordPong()
	assert.True(t, h.CheckHealth(time.Minute))

	h.RecordDrop()
	stats := h.GetStats()
	assert.Equal(t, int64(1), stats.PingsSent)
	assert.Equal(t, int64(1), stats.PongsReceived)
	assert.Equal(t, int64(1), stats.FramesDropped)
}
