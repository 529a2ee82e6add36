package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
upstream:
  api_key: sk-test
`

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.InitTimeout.Std() != DefaultInitTimeout {
		t.Errorf("InitTimeout = %v", cfg.Server.InitTimeout.Std())
	}
	if cfg.Pool.Capacity != DefaultPoolCapacity {
		t.Errorf("Pool.Capacity = %d", cfg.Pool.Capacity)
	}
	if cfg.RateLimit.Capacity != DefaultRateCapacity || cfg.RateLimit.RefillPerMin != DefaultRateRefill {
		t.Errorf("rate limit = %v/%v", cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerMin)
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamBaseURL || cfg.Upstream.WSURL != DefaultUpstreamWSURL {
		t.Errorf("upstream URLs = %q / %q", cfg.Upstream.BaseURL, cfg.Upstream.WSURL)
	}
	if cfg.Accounting.RegionMultiplier != 1 {
		t.Errorf("RegionMultiplier = %v", cfg.Accounting.RegionMultiplier)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9000"
  log_level: debug
  init_timeout: 2s
  idle_timeout: 5m
  shutdown_timeout: 30s
upstream:
  base_url: https://upstream.example/v1/realtime
  ws_url: wss://upstream.example/v1/realtime
  api_key: sk-test
pool:
  capacity: 25
rate_limit:
  capacity: 200
  refill_per_min: 150
auth:
  users:
    - name: Alice
      api_key: tok-alice
      tier: pro
accounting:
  region_multiplier: 1.2
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.IdleTimeout.Std() != 5*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Server.IdleTimeout.Std())
	}
	if cfg.Pool.Capacity != 25 {
		t.Errorf("Pool.Capacity = %d", cfg.Pool.Capacity)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Tier != "pro" {
		t.Errorf("users = %+v", cfg.Auth.Users)
	}
	if cfg.Accounting.RegionMultiplier != 1.2 {
		t.Errorf("RegionMultiplier = %v", cfg.Accounting.RegionMultiplier)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	yaml := `
upstream:
  api_key: sk-test
  tls_verify: false
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	yaml := `
server:
  init_timeout: "not a duration"
upstream:
  api_key: sk-test
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.Upstream.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("VOXRELAY_LISTEN_ADDR", ":7777")
	t.Setenv("VOXRELAY_UPSTREAM_API_KEY", "sk-from-env")
	t.Setenv("VOXRELAY_POOL_CAPACITY", "42")
	t.Setenv("VOXRELAY_RATE_CAPACITY", "250")
	t.Setenv("VOXRELAY_LOG_LEVEL", "warn")
	t.Setenv("VOXRELAY_IDLE_TIMEOUT", "90s")

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Upstream.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q", cfg.Upstream.APIKey)
	}
	if cfg.Pool.Capacity != 42 {
		t.Errorf("Pool.Capacity = %d", cfg.Pool.Capacity)
	}
	if cfg.RateLimit.Capacity != 250 {
		t.Errorf("RateLimit.Capacity = %v", cfg.RateLimit.Capacity)
	}
	if cfg.Server.LogLevel != LogWarn {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.IdleTimeout.Std() != 90*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.Server.IdleTimeout.Std())
	}
}

func TestApplyEnv_MalformedNumericIgnored(t *testing.T) {
	t.Setenv("VOXRELAY_POOL_CAPACITY", "lots")
	t.Setenv("VOXRELAY_UPSTREAM_API_KEY", "sk-test")

	cfg, err := LoadFromReader(strings.NewReader("pool:\n  capacity: 7\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Pool.Capacity != 7 {
		t.Errorf("Pool.Capacity = %d, want file value 7", cfg.Pool.Capacity)
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Server.LogLevel = "verbose"
	cfg.Upstream.APIKey = ""
	cfg.Pool.Capacity = -1
	cfg.Registry.HTTPURL = "http://a"
	cfg.Registry.MCPCommand = "b"
	cfg.Accounting.JournalInterval = Duration(time.Minute)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"api_key is required",
		"must be positive",
		"at most one of",
		"journal_interval requires",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidate_SeedUsers(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.APIKey = "sk"
	cfg.Auth.Users = []SeedUser{
		{Name: "NoCreds"},
		{Name: "A", Username: "dup", Password: "x"},
		{Name: "B", Username: "dup", Password: "y"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "api_key or a username+password") {
		t.Errorf("missing credential check: %s", msg)
	}
	if !strings.Contains(msg, "duplicate") {
		t.Errorf("missing duplicate username check: %s", msg)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.APIKey = "sk"
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Errorf("TLS validation missing: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LogDebug, "DEBUG"},
		{LogInfo, "INFO"},
		{LogWarn, "WARN"},
		{LogError, "ERROR"},
		{LogLevel(""), "INFO"},
	}
	for _, tc := range tests {
		if got := tc.level.SlogLevel().String(); got != tc.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tc.level, got, tc.want)
		}
	}
}
