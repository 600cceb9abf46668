package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grasplet-dashboard/exporter/grasplet"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, grasplet.DefaultBaseURL, cfg.Grasplet.URL)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
grasplet:
  url: http://localhost:8080/
  timeout: 5s
account:
  username: alice
  password: secret
  poll_interval_hours: 6
server:
  port: 9200
logging:
  level: debug
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/", cfg.Grasplet.URL)
	assert.Equal(t, 5*time.Second, cfg.Grasplet.Timeout)
	assert.Equal(t, "entries.yaml", cfg.Grasplet.EntriesFile, "unset keys keep defaults")
	assert.Equal(t, grasplet.Credentials{Username: "alice", Password: "secret", PollIntervalHours: 6}, cfg.Account)
	assert.True(t, cfg.HasAccount())
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "debug", cfg.Logging.Level)

	client := cfg.ToClientConfig("test")
	assert.Equal(t, "http://localhost:8080", client.URL)
	assert.Equal(t, "grasplet-exporter/test", client.UserAgent)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grasplet: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("GRASPLET_URL", "http://env.example")
	t.Setenv("GRASPLET_USERNAME", "bob")
	t.Setenv("GRASPLET_PASSWORD", "pw")
	t.Setenv("GRASPLET_POLL_INTERVAL_HOURS", "12")
	t.Setenv("GRASPLET_PORT", "not-a-number")
	t.Setenv("GRASPLET_LOG_LEVEL", "warning")
	t.Setenv("GRASPLET_ENTRIES_FILE", "")

	cfg := DefaultConfig()
	LoadConfigFromEnv(&cfg)

	assert.Equal(t, "http://env.example", cfg.Grasplet.URL)
	assert.Equal(t, grasplet.Credentials{Username: "bob", Password: "pw", PollIntervalHours: 12}, cfg.Account)
	assert.Equal(t, 9110, cfg.Server.Port, "invalid values are ignored")
	assert.Equal(t, "warning", cfg.Logging.Level)
	assert.Empty(t, cfg.Grasplet.EntriesFile)
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "", MaskPassword(""))
	assert.Equal(t, "**", MaskPassword("ab"))
	assert.Equal(t, "s****t", MaskPassword("secret"))
}
