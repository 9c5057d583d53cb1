// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

credentials:
  backend: "sqlite"
  path: "./creds.db"

auth:
  tokens:
    - "test-token"

sessions:
  reconnect_delay: "2s"
  heartbeat_interval: "15s"

media:
  capacity: 100
  ttl: "30m"

relay:
  enabled: false

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Credentials.Backend != "sqlite" || cfg.Credentials.Path != "./creds.db" {
		t.Errorf("credentials = %+v", cfg.Credentials)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0] != "test-token" {
		t.Errorf("tokens = %v", cfg.Auth.Tokens)
	}
	if cfg.Sessions.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect_delay = %v", cfg.Sessions.ReconnectDelay)
	}
	if cfg.Sessions.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Sessions.HeartbeatInterval)
	}
	if cfg.Media.Capacity != 100 || cfg.Media.TTL != 30*time.Minute {
		t.Errorf("media = %+v", cfg.Media)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_LOOM_TOKEN", "secret-from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

auth:
  tokens:
    - "${TEST_LOOM_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.Tokens[0] != "secret-from-env" {
		t.Errorf("token = %q, want expanded env value", cfg.Auth.Tokens[0])
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

matrix:
  password: "${DEFINITELY_UNSET_VAR_12345}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Matrix.Password != "" {
		t.Errorf("password = %q, want empty", cfg.Matrix.Password)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

sessions:
  reconnect_delay: "not-a-duration"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "reconnect_delay") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_HTTPAddrRequired(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "http_addr") {
		t.Errorf("expected http_addr validation error, got %v", err)
	}
}

func TestValidate_TailscaleNeedsHostname(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "tailscale.hostname") {
		t.Errorf("expected hostname validation error, got %v", err)
	}
}

func TestValidate_SQLiteNeedsPath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

credentials:
  backend: "sqlite"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "credentials.path") {
		t.Errorf("expected path validation error, got %v", err)
	}
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

credentials:
  backend: "redis"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "credentials.redis_addr") {
		t.Errorf("expected redis_addr validation error, got %v", err)
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

credentials:
  backend: "etcd"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "credentials.backend") {
		t.Errorf("expected backend validation error, got %v", err)
	}
}

func TestValidate_RelayNeedsURL(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

relay:
  enabled: true
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "relay.url") {
		t.Errorf("expected relay.url validation error, got %v", err)
	}
}
