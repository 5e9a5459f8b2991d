// ABOUTME: Tests for configuration loading
// ABOUTME: Covers defaults, YAML parsing, env expansion, overrides, and validation

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	// Point GM_CONFIG at nothing so a stray ./config.yaml can't leak in.
	t.Setenv("GM_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultBaseURL, cfg.Server.BaseURL)
	assert.Equal(t, DefaultDBPath, cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Zero(t, cfg.Sessions.Timeout, "unset durations stay zero for the caller to default")
}

func TestLoad_ParsesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  base_url: /gateway
database:
  path: /var/lib/gm/gm.db
sessions:
  timeout: 90s
  acquire_timeout: 30s
  retention: 2h
  sweep_interval: 5m
synchub:
  buffer_size: 512
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/gateway", cfg.Server.BaseURL)
	assert.Equal(t, "/var/lib/gm/gm.db", cfg.Database.Path)
	assert.Equal(t, 90*time.Second, cfg.Sessions.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Sessions.AcquireTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.Retention)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, 512, cfg.SyncHub.BufferSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GM_DB", "/data/expanded.db")
	path := writeConfig(t, `
database:
  path: ${TEST_GM_DB}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/expanded.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  base_url: ${DEFINITELY_NOT_SET_ANYWHERE}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	// Empty after expansion, so the default takes over.
	assert.Equal(t, DefaultBaseURL, cfg.Server.BaseURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BASE_URL", "/override")
	t.Setenv("GM_DB_PATH", "/tmp/override.db")
	path := writeConfig(t, `
server:
  port: 8080
  base_url: /file
database:
  path: /tmp/file.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "/override", cfg.Server.BaseURL)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestLoad_GMConfigEnvLocatesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 4242
`)
	t.Setenv("GM_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Server.Port)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
sessions:
  timeout: ninety seconds
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions.timeout")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a: mapping")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 3000, BaseURL: "/gm"},
			Database: DatabaseConfig{Path: "gm.db"},
			Logging:  LoggingConfig{Level: "info", Format: "text"},
		}
	}

	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "out of range"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
		{"base_url without slash", func(c *Config) { c.Server.BaseURL = "gm" }, "must start with /"},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path is required"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "text or json"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
