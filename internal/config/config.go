// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Auth        AuthConfig        `yaml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Media       MediaConfig       `yaml:"media"`
	Relay       RelayConfig       `yaml:"relay"`
	Tenants     TenantsConfig     `yaml:"tenants"`
	Matrix      MatrixConfig      `yaml:"matrix"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// CredentialsConfig selects the protocol credential store backend.
type CredentialsConfig struct {
	// Backend is one of "sqlite", "redis" or "memory".
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`
	// RedisAddr and RedisDB configure the redis backend.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// Tokens is the static API token allow-list. Entries starting with
	// "$2" are matched as bcrypt hashes.
	Tokens    []string `yaml:"tokens"`
	JWTSecret string   `yaml:"jwt_secret"`
	// Disabled turns authentication off entirely. Local development only.
	Disabled bool `yaml:"disabled"`
}

// SessionsConfig holds session lifecycle timing configuration
type SessionsConfig struct {
	ReconnectDelay    time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// MediaConfig holds media cache sizing configuration
type MediaConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// RelayConfig holds the optional AMQP event relay configuration
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// TenantsConfig holds tenant seeding configuration
type TenantsConfig struct {
	// SeedPath is an optional TOML file of tenants to start on boot.
	SeedPath string `yaml:"seed_path"`
}

// MatrixConfig holds the Matrix protocol adapter configuration
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	// Username and Password are used for first login; afterwards the
	// access token persisted in the credential store is reused.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
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
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Credentials.Backend {
	case "", "memory":
	case "sqlite":
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path is required for the sqlite backend")
		}
	case "redis":
		if c.Credentials.RedisAddr == "" {
			return fmt.Errorf("credentials.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("credentials.backend must be sqlite, redis or memory, got %q", c.Credentials.Backend)
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}

	if c.Media.Capacity < 0 {
		return fmt.Errorf("media.capacity must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.ReconnectDelayRaw != "" {
		cfg.Sessions.ReconnectDelay, err = time.ParseDuration(cfg.Sessions.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Sessions.ReconnectDelayRaw, err)
		}
	}

	if cfg.Sessions.HeartbeatIntervalRaw != "" {
		cfg.Sessions.HeartbeatInterval, err = time.ParseDuration(cfg.Sessions.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Sessions.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Media.TTLRaw != "" {
		cfg.Media.TTL, err = time.ParseDuration(cfg.Media.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing media ttl %q: %w", cfg.Media.TTLRaw, err)
		}
	}

	return nil
}
