// Package config provides the configuration schema and loader for the relay.
//
// Configuration is read from a YAML file, then overridden by the enumerated
// VOXRELAY_* environment variables ([ApplyEnv]). Unknown YAML keys are
// rejected; unknown environment variables are ignored.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] with YAML decoding of Go duration strings
// ("15s", "2m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Pool       PoolConfig       `yaml:"pool"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
	Registry   RegistryConfig   `yaml:"registry"`
	Accounting AccountingConfig `yaml:"accounting"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// InitTimeout bounds the wait for the client's init_session frame.
	InitTimeout Duration `yaml:"init_timeout"`

	// IdleTimeout closes connections with no client traffic for this long.
	// Zero disables the idle check.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful connection draining on shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig identifies the Realtime API the relay bridges to.
type UpstreamConfig struct {
	// BaseURL is the HTTPS endpoint for credential minting
	// (e.g., "https://api.openai.com/v1/realtime").
	BaseURL string `yaml:"base_url"`

	// WSURL is the WebSocket endpoint for sessions
	// (e.g., "wss://api.openai.com/v1/realtime").
	WSURL string `yaml:"ws_url"`

	// APIKey is the long-lived server-held secret. Never sent to clients.
	APIKey string `yaml:"api_key"`
}

// PoolConfig bounds the upstream session pool.
type PoolConfig struct {
	// Capacity is the maximum number of concurrently open upstream sessions.
	Capacity int `yaml:"capacity"`
}

// RateLimitConfig sets the default per-principal token bucket. Tier quotas
// from the credential store override these per principal.
type RateLimitConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerMin float64 `yaml:"refill_per_min"`
}

// AuthConfig selects and seeds the credential store.
type AuthConfig struct {
	// PostgresDSN enables the Postgres-backed store. Empty selects the
	// in-memory store seeded from Users.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Users seeds the in-memory store; ignored when PostgresDSN is set.
	Users []SeedUser `yaml:"users"`
}

// SeedUser is one in-memory credential entry.
type SeedUser struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api_key"`
	Tier     string `yaml:"tier"`
	Disabled bool   `yaml:"disabled"`
}

// RegistryConfig wires the optional tool registry. At most one backend may be
// configured.
type RegistryConfig struct {
	// HTTPURL is the base URL of a plain HTTP registry.
	HTTPURL string `yaml:"http_url"`

	// MCPCommand launches a stdio MCP server.
	MCPCommand string `yaml:"mcp_command"`

	// MCPURL is a streamable-HTTP MCP endpoint.
	MCPURL string `yaml:"mcp_url"`
}

// AccountingConfig tunes cost projection and usage journaling.
type AccountingConfig struct {
	// RegionMultiplier scales projected costs; defaults to 1.
	RegionMultiplier float64 `yaml:"region_multiplier"`

	// JournalInterval controls how often ledger snapshots are written to
	// Postgres. Zero disables journaling. Requires auth.postgres_dsn.
	JournalInterval Duration `yaml:"journal_interval"`
}

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultInitTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultPoolCapacity    = 10
	DefaultRateCapacity    = 100
	DefaultRateRefill      = 100
	DefaultUpstreamBaseURL = "https://api.openai.com/v1/realtime"
	DefaultUpstreamWSURL   = "wss://api.openai.com/v1/realtime"
)

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.InitTimeout <= 0 {
		c.Server.InitTimeout = Duration(DefaultInitTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = DefaultUpstreamWSURL
	}
	if c.Pool.Capacity <= 0 {
		c.Pool.Capacity = DefaultPoolCapacity
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = DefaultRateCapacity
	}
	if c.RateLimit.RefillPerMin <= 0 {
		c.RateLimit.RefillPerMin = DefaultRateRefill
	}
	if c.Accounting.RegionMultiplier <= 0 {
		c.Accounting.RegionMultiplier = 1
	}
}

// SlogLevel converts the configured level for slog handler setup.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
