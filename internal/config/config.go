// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Health   HealthConfig   `yaml:"health"`
	Engine   EngineConfig   `yaml:"engine"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig holds the remote execution service endpoint and timing
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	RequestTimeout time.Duration `yaml:"-"`
	RunTimeout     time.Duration `yaml:"-"`

	Stream StreamConfig `yaml:"stream"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	RunTimeoutRaw     string `yaml:"run_timeout"`
}

// StreamConfig holds event stream reconnection tuning
type StreamConfig struct {
	BaseDelay  time.Duration `yaml:"-"`
	MaxDelay   time.Duration `yaml:"-"`
	MaxRetries int           `yaml:"max_retries"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// HealthConfig holds circuit breaker tuning
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	CooldownRaw string `yaml:"cooldown"`
}

// EngineConfig holds the local engine subprocess configuration
type EngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// DedupeConfig holds message deduplication tuning
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	if c.Engine.Command == "" {
		return fmt.Errorf("engine.command is required")
	}

	if c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health.failure_threshold must not be negative")
	}

	if c.Remote.Stream.MaxRetries < 0 {
		return fmt.Errorf("remote.stream.max_retries must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Remote.RequestTimeoutRaw, &cfg.Remote.RequestTimeout, "remote.request_timeout"},
		{cfg.Remote.RunTimeoutRaw, &cfg.Remote.RunTimeout, "remote.run_timeout"},
		{cfg.Remote.Stream.BaseDelayRaw, &cfg.Remote.Stream.BaseDelay, "remote.stream.base_delay"},
		{cfg.Remote.Stream.MaxDelayRaw, &cfg.Remote.Stream.MaxDelay, "remote.stream.max_delay"},
		{cfg.Health.CooldownRaw, &cfg.Health.Cooldown, "health.cooldown"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
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
