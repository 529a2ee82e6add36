package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies [ApplyEnv] and
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the enumerated VOXRELAY_* environment
// variables. Unset variables leave the field untouched; malformed numeric or
// duration values are ignored in favour of the file value. Unrecognised
// variables are ignored entirely.
func ApplyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("VOXRELAY_LISTEN_ADDR", &cfg.Server.ListenAddr)
	setString("VOXRELAY_UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setString("VOXRELAY_UPSTREAM_WS_URL", &cfg.Upstream.WSURL)
	setString("VOXRELAY_UPSTREAM_API_KEY", &cfg.Upstream.APIKey)
	setString("VOXRELAY_POSTGRES_DSN", &cfg.Auth.PostgresDSN)
	setString("VOXRELAY_REGISTRY_HTTP_URL", &cfg.Registry.HTTPURL)

	if v, ok := os.LookupEnv("VOXRELAY_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("VOXRELAY_POOL_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Capacity = n
		}
	}
	if v, ok := os.LookupEnv("VOXRELAY_RATE_CAPACITY"); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.Capacity = n
		}
	}
	if v, ok := os.LookupEnv("VOXRELAY_RATE_REFILL_PER_MIN"); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RefillPerMin = n
		}
	}
	if v, ok := os.LookupEnv("VOXRELAY_IDLE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.IdleTimeout = Duration(d)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required (or set VOXRELAY_UPSTREAM_API_KEY)"))
	}

	if cfg.Pool.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("pool.capacity %d must be positive", cfg.Pool.Capacity))
	}

	backends := 0
	if cfg.Registry.HTTPURL != "" {
		backends++
	}
	if cfg.Registry.MCPCommand != "" {
		backends++
	}
	if cfg.Registry.MCPURL != "" {
		backends++
	}
	if backends > 1 {
		errs = append(errs, errors.New("registry: configure at most one of http_url, mcp_command, mcp_url"))
	}

	if cfg.Accounting.JournalInterval > 0 && cfg.Auth.PostgresDSN == "" {
		errs = append(errs, errors.New("accounting.journal_interval requires auth.postgres_dsn"))
	}

	seenUsernames := make(map[string]int, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		prefix := fmt.Sprintf("auth.users[%d]", i)
		if u.APIKey == "" && (u.Username == "" || u.Password == "") {
			errs = append(errs, fmt.Errorf("%s needs an api_key or a username+password pair", prefix))
		}
		if u.Username != "" {
			if prev, ok := seenUsernames[u.Username]; ok {
				errs = append(errs, fmt.Errorf("%s.username %q is a duplicate of auth.users[%d]", prefix, u.Username, prev))
			}
			seenUsernames[u.Username] = i
		}
	}

	return errors.Join(errs...)
}
