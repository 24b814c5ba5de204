package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestValidateDefaults(t *testing.T) {
	r, err := Validate(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, r.Interval)
	assert.Equal(t, 30*time.Second, r.RequestTimeout)
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, time.Second, r.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, r.RetryMaxDelay)
	assert.True(t, r.SyncOnStart)
	assert.Equal(t, "info", r.LogLevel)

	// Derived paths land inside the data dir.
	assert.Equal(t, filepath.Join(r.DataDir, "journal.db"), r.DBPath)
	assert.Equal(t, filepath.Join(r.DataDir, "token.json"), r.TokenPath)

	// No server configured is valid: the journal works offline.
	assert.Empty(t, r.ServerURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad URL", func(c *Config) { c.ServerURL = "not a url" }},
		{"URL without scheme", func(c *Config) { c.ServerURL = "journal.example.net" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"zero interval", func(c *Config) { c.Sync.Interval = "0s" }},
		{"negative delay", func(c *Config) { c.Sync.RetryBaseDelay = "-1s" }},
		{"unparseable duration", func(c *Config) { c.Sync.RequestTimeout = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			_, err := Validate(cfg)
			require.Error(t, err)
		})
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://journal.example.net"
log_level = "debug"

[sync]
interval = "1m"
max_attempts = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://journal.example.net", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "1m", cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)

	// Unset keys keep their defaults.
	assert.Equal(t, "30s", cfg.Sync.RequestTimeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `server_url = "https://x.example"` + "\n" + `sync_intreval = "1m"` + "\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync_intreval")
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolveOverrideChain(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://from-file.example"
data_dir = "/tmp/from-file"
`)

	// Environment beats the file.
	env := EnvOverrides{ConfigPath: path, ServerURL: "https://from-env.example"}

	r, err := Resolve(env, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example", r.ServerURL)
	assert.Equal(t, "/tmp/from-file", r.DataDir)

	// CLI flags beat everything.
	cli := CLIOverrides{ServerURL: "https://from-flag.example", DataDir: "/tmp/from-flag"}

	r, err = Resolve(env, cli)
	require.NoError(t, err)
	assert.Equal(t, "https://from-flag.example", r.ServerURL)
	assert.Equal(t, "/tmp/from-flag", r.DataDir)
	assert.Equal(t, "/tmp/from-flag/journal.db", r.DBPath)
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/daybook.toml")
	t.Setenv(EnvServerURL, "https://env.example")
	t.Setenv(EnvDataDir, "/var/lib/daybook")

	env := ReadEnvOverrides()
	assert.Equal(t, "/etc/daybook.toml", env.ConfigPath)
	assert.Equal(t, "https://env.example", env.ServerURL)
	assert.Equal(t, "/var/lib/daybook", env.DataDir)
}

func TestDefaultPathsRespectXDG(t *testing.T) {
	if os.Getenv("HOME") == "" {
		t.Skip("no HOME in environment")
	}

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	t.Setenv("XDG_DATA_HOME", "/custom/data")

	// Only meaningful on Linux; elsewhere the platform dirs apply.
	if dir := DefaultConfigDir(); dir == "/custom/config/daybook" {
		assert.Equal(t, "/custom/config/daybook/config.toml", DefaultConfigPath())
		assert.Equal(t, "/custom/data/daybook", DefaultDataDir())
	}
}
