// ABOUTME: Configuration loading and parsing for gm-gateway
// ABOUTME: YAML files with environment variable expansion, duration parsing, env overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gm-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	SyncHub  SyncHubConfig  `yaml:"synchub"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	// Port the HTTP server listens on. Overridden by PORT.
	Port int `yaml:"port"`
	// BaseURL is the URL prefix all routes are mounted under.
	// Overridden by BASE_URL.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path to the SQLite file. Overridden by GM_DB_PATH.
	Path string `yaml:"path"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	Timeout        time.Duration `yaml:"-"`
	AcquireTimeout time.Duration `yaml:"-"`
	Retention      time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw        string `yaml:"timeout"`
	AcquireTimeoutRaw string `yaml:"acquire_timeout"`
	RetentionRaw      string `yaml:"retention"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
}

// SyncHubConfig holds fan-out tuning
type SyncHubConfig struct {
	// BufferSize bounds each subscriber's backlog before oldest stream
	// events are dropped.
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied when neither the file nor the environment sets
// a field.
const (
	DefaultPort    = 3000
	DefaultBaseURL = "/gm"
	DefaultDBPath  = "gm-gateway.db"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded. An empty path
// falls back to GM_CONFIG, then ./config.yaml, then built-in defaults when no
// file exists. PORT, BASE_URL, and GM_DB_PATH override the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = os.Getenv("GM_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides applies the PORT, BASE_URL, and GM_DB_PATH environment
// variables on top of file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("GM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = DefaultBaseURL
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.BaseURL != "" && c.Server.BaseURL[0] != '/' {
		return fmt.Errorf("server.base_url must start with /")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if dir := filepath.Dir(c.Database.Path); dir == "" {
		return fmt.Errorf("database.path %q has no parent directory", c.Database.Path)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.timeout", cfg.Sessions.TimeoutRaw, &cfg.Sessions.Timeout},
		{"sessions.acquire_timeout", cfg.Sessions.AcquireTimeoutRaw, &cfg.Sessions.AcquireTimeout},
		{"sessions.retention", cfg.Sessions.RetentionRaw, &cfg.Sessions.Retention},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
