package conf

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LIVECORE_API_URL", "LIVECORE_API_TIMEOUT", "LIVECORE_DB_PATH", "LIVECORE_REALTIME_DRIVER",
		"LIVECORE_REALTIME_URL", "LIVECORE_REDIS_URL", "LIVECORE_CREDENTIAL_PATH", "LIVECORE_TOKEN",
		"LIVECORE_HTTP_PORT", "LIVECORE_LOG_LEVEL", "LIVECORE_LOG_FORMAT", "DEBUG",
		"LIVECORE_HEARTBEAT_INTERVAL", "LIVECORE_OFFLINE_THRESHOLD", "LIVECORE_TYPING_TIMEOUT", "LIVECORE_PAGE_LIMIT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("LIVECORE_TUNING_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := LoadFromEnv()
	assert.Equal(t, RealtimeNone, cfg.Realtime.Driver)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "livecore.db", filepath.Base(cfg.Store.DBPath))
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	assert.Equal(t, DefaultTuningConfig(), cfg.Tuning)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVECORE_API_URL", "https://forum.example.com/")
	t.Setenv("LIVECORE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LIVECORE_HTTP_PORT", "9090")
	t.Setenv("LIVECORE_TYPING_TIMEOUT", "5s")
	t.Setenv("LIVECORE_PAGE_LIMIT", "50")
	t.Setenv("DEBUG", "true")

	cfg := LoadFromEnv()
	assert.Equal(t, "https://forum.example.com", cfg.API.URL)
	assert.Equal(t, RealtimeRedis, cfg.Realtime.Driver, "driver inferred from redis url")
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.Tuning.Typing.Timeout)
	assert.Equal(t, 50, cfg.Tuning.Feed.PageLimit)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoadTuningConfig_FillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presence:
  heartbeat_interval: 10s
  offline_threshold: 25s
feed:
  page_limit: 5
`), 0644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 25*time.Second, cfg.Presence.OfflineThreshold)
	assert.Equal(t, 30*time.Second, cfg.Presence.RefreshInterval)
	assert.Equal(t, 3*time.Second, cfg.Typing.Timeout)
	assert.Equal(t, 5, cfg.Feed.PageLimit)
	assert.Equal(t, 400, cfg.Scroll.NearTopOffset)
}

func TestLoadTuningConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livecore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presence: [unclosed"), 0644))

	_, err := LoadTuningConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Realtime:   RealtimeConfig{Driver: RealtimeNone},
			Credential: CredentialConfig{Token: "t"},
			HTTP:       HTTPConfig{Port: 8080},
			Tuning:     DefaultTuningConfig(),
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing credential", func(c *Config) { c.Credential = CredentialConfig{} }, "LIVECORE_CREDENTIAL_PATH/LIVECORE_TOKEN"},
		{"websocket without url", func(c *Config) { c.Realtime.Driver = RealtimeWebSocket }, "LIVECORE_REALTIME_URL"},
		{"redis without url", func(c *Config) { c.Realtime.Driver = RealtimeRedis }, "LIVECORE_REDIS_URL"},
		{"unknown driver", func(c *Config) { c.Realtime.Driver = "carrier-pigeon" }, "LIVECORE_REALTIME_DRIVER"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "LIVECORE_HTTP_PORT"},
		{"threshold too tight", func(c *Config) { c.Tuning.Presence.OfflineThreshold = 45 * time.Second }, "presence"},
		{"zero typing timeout", func(c *Config) { c.Tuning.Typing.Timeout = 0 }, "typing.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
