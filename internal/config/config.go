// ABOUTME: Configuration loading and parsing for tally-gateway
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// PathEnv overrides the config file location.
const PathEnv = "TALLY_CONFIG"

// Config represents the complete tally-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Telegram   TelegramConfig   `yaml:"telegram" toml:"telegram"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	State      StateConfig      `yaml:"state" toml:"state"`
	Extraction ExtractionConfig `yaml:"extraction" toml:"extraction"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"TALLY_HTTP_ADDR"`
	// PublicURL is the externally reachable base URL webhooks are registered under.
	PublicURL string `yaml:"public_url" toml:"public_url" env:"TALLY_PUBLIC_URL"`
	// MaxWebhookBytes bounds webhook request bodies.
	MaxWebhookBytes int64 `yaml:"max_webhook_bytes" toml:"max_webhook_bytes"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"TALLY_TAILSCALE"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Serve publicly through Funnel (implies HTTPS on :443)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"TALLY_DB_PATH"`
	// EncryptionKey seals bot tokens and API keys at rest.
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key" env:"TALLY_ENCRYPTION_KEY"`
}

// AuthConfig holds management API authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer auth on the management API. Empty disables it.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"TALLY_JWT_SECRET"`
}

// TelegramConfig holds Bot API client configuration
type TelegramConfig struct {
	// APIEndpoint overrides the Bot API URL format, e.g. for a local bot API server.
	APIEndpoint  string `yaml:"api_endpoint" toml:"api_endpoint" env:"TALLY_TELEGRAM_ENDPOINT"`
	MaxFileBytes int64  `yaml:"max_file_bytes" toml:"max_file_bytes"`

	PollWait    time.Duration `yaml:"-" toml:"-"`
	HTTPTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollWaitRaw    string `yaml:"poll_wait" toml:"poll_wait"`
	HTTPTimeoutRaw string `yaml:"http_timeout" toml:"http_timeout"`
}

// SessionsConfig holds session supervision and conversation tuning
type SessionsConfig struct {
	MaxTransportFailures int `yaml:"max_transport_failures" toml:"max_transport_failures"`
	MaxInvalidInputs     int `yaml:"max_invalid_inputs" toml:"max_invalid_inputs"`
	MaxRestarts          int `yaml:"max_restarts" toml:"max_restarts"`
	DedupeSize           int `yaml:"dedupe_size" toml:"dedupe_size"`

	CompletionTimeout time.Duration `yaml:"-" toml:"-"`
	StopGrace         time.Duration `yaml:"-" toml:"-"`
	RestartBase       time.Duration `yaml:"-" toml:"-"`
	RestartCap        time.Duration `yaml:"-" toml:"-"`
	StableAfter       time.Duration `yaml:"-" toml:"-"`
	DedupeTTL         time.Duration `yaml:"-" toml:"-"`

	CompletionTimeoutRaw string `yaml:"completion_timeout" toml:"completion_timeout"`
	StopGraceRaw         string `yaml:"stop_grace" toml:"stop_grace"`
	RestartBaseRaw       string `yaml:"restart_base" toml:"restart_base"`
	RestartCapRaw        string `yaml:"restart_cap" toml:"restart_cap"`
	StableAfterRaw       string `yaml:"stable_after" toml:"stable_after"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// State backends
const (
	StateMemory = "memory"
	StateRedis  = "redis"
)

// StateConfig selects where in-progress conversations live
type StateConfig struct {
	Backend string      `yaml:"backend" toml:"backend" env:"TALLY_STATE_BACKEND"`
	Redis   RedisConfig `yaml:"redis" toml:"redis"`

	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RedisConfig holds the Redis state backend connection
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" env:"TALLY_REDIS_ADDR"`
	Password string `yaml:"password" toml:"password" env:"TALLY_REDIS_PASSWORD"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// ExtractionConfig configures receipt extraction. Each tenant supplies its own API key.
type ExtractionConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" env:"TALLY_EXTRACTION"`
	Model      string `yaml:"model" toml:"model"`
	BaseURL    string `yaml:"base_url" toml:"base_url"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"TALLY_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"TALLY_LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then fields
// tagged with env are overridden from the environment when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config location: $TALLY_CONFIG, else
// $XDG_CONFIG_HOME/tally/gateway.yaml, else ~/.config/tally/gateway.yaml.
func DefaultPath() string {
	if envPath := os.Getenv(PathEnv); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tally", "gateway.yaml")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.MaxWebhookBytes <= 0 {
		c.Server.MaxWebhookBytes = 1 << 20
	}
	if c.Telegram.PollWait <= 0 {
		c.Telegram.PollWait = 30 * time.Second
	}
	if c.Telegram.HTTPTimeout <= 0 {
		c.Telegram.HTTPTimeout = c.Telegram.PollWait + 15*time.Second
	}
	if c.Sessions.DedupeTTL <= 0 {
		c.Sessions.DedupeTTL = 10 * time.Minute
	}
	if c.Sessions.DedupeSize <= 0 {
		c.Sessions.DedupeSize = 100_000
	}
	if c.State.Backend == "" {
		c.State.Backend = StateMemory
	}
	if c.State.TTL <= 0 {
		c.State.TTL = 10 * time.Minute
	}
	if c.State.SweepInterval <= 0 {
		c.State.SweepInterval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("server.public_url %q is not an absolute URL", c.Server.PublicURL)
		}
		// The Bot API only delivers webhooks over HTTPS.
		if u.Scheme != "https" {
			return fmt.Errorf("server.public_url must use https, got %q", u.Scheme)
		}
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.EncryptionKey == "" {
		return errors.New("database.encryption_key is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.State.Backend {
	case StateMemory:
	case StateRedis:
		if c.State.Redis.Addr == "" {
			return errors.New("state.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("state.backend must be %q or %q, got %q", StateMemory, StateRedis, c.State.Backend)
	}

	if c.Telegram.HTTPTimeout <= c.Telegram.PollWait {
		return errors.New("telegram.http_timeout must exceed telegram.poll_wait")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
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
		{"telegram.poll_wait", cfg.Telegram.PollWaitRaw, &cfg.Telegram.PollWait},
		{"telegram.http_timeout", cfg.Telegram.HTTPTimeoutRaw, &cfg.Telegram.HTTPTimeout},
		{"sessions.completion_timeout", cfg.Sessions.CompletionTimeoutRaw, &cfg.Sessions.CompletionTimeout},
		{"sessions.stop_grace", cfg.Sessions.StopGraceRaw, &cfg.Sessions.StopGrace},
		{"sessions.restart_base", cfg.Sessions.RestartBaseRaw, &cfg.Sessions.RestartBase},
		{"sessions.restart_cap", cfg.Sessions.RestartCapRaw, &cfg.Sessions.RestartCap},
		{"sessions.stable_after", cfg.Sessions.StableAfterRaw, &cfg.Sessions.StableAfter},
		{"sessions.dedupe_ttl", cfg.Sessions.DedupeTTLRaw, &cfg.Sessions.DedupeTTL},
		{"state.ttl", cfg.State.TTLRaw, &cfg.State.TTL},
		{"state.sweep_interval", cfg.State.SweepIntervalRaw, &cfg.State.SweepInterval},
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
