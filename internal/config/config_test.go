// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

auth:
  jwt_secret: "a-very-long-secret-used-only-for-tests"

agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  write_timeout: "5s"
  dedupe_ttl: "1m"
  max_message_bytes: 65536
  allowed_origins:
    - "https://console.example.com"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"

tracing:
  enabled: true
  endpoint: "otel-collector:4317"
  insecure: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "a-very-long-secret-used-only-for-tests" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 30s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 90s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.WriteTimeout != 5*time.Second {
		t.Errorf("Agents.WriteTimeout = %v, want 5s", cfg.Agents.WriteTimeout)
	}
	if cfg.Agents.DedupeTTL != time.Minute {
		t.Errorf("Agents.DedupeTTL = %v, want 1m", cfg.Agents.DedupeTTL)
	}
	if cfg.Agents.MaxMessageBytes != 65536 {
		t.Errorf("Agents.MaxMessageBytes = %d, want 65536", cfg.Agents.MaxMessageBytes)
	}
	if len(cfg.Agents.AllowedOrigins) != 1 || cfg.Agents.AllowedOrigins[0] != "https://console.example.com" {
		t.Errorf("Agents.AllowedOrigins = %v", cfg.Agents.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "otel-collector:4317" || !cfg.Tracing.Insecure {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: ":memory:"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if cfg.Agents.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Agents.WriteTimeout = %v, want %v", cfg.Agents.WriteTimeout, DefaultWriteTimeout)
	}
	if cfg.Agents.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("Agents.DedupeTTL = %v, want %v", cfg.Agents.DedupeTTL, DefaultDedupeTTL)
	}
	if cfg.Agents.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("Agents.MaxMessageBytes = %d, want %d", cfg.Agents.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.Agents.HeartbeatInterval != 0 || cfg.Agents.HeartbeatTimeout != 0 {
		t.Errorf("heartbeats should default to disabled, got %v / %v",
			cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_ExplicitZeroDedupeDisables(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: ":memory:"
agents:
  dedupe_ttl: "0s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.DedupeTTL != 0 {
		t.Errorf("Agents.DedupeTTL = %v, want 0", cfg.Agents.DedupeTTL)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "agentbus.toml", `
[server]
http_addr = "127.0.0.1:9000"
grpc_addr = "127.0.0.1:9001"

[database]
path = "/var/lib/agentbus/bus.db"

[agents]
heartbeat_interval = "15s"
heartbeat_timeout = "45s"
allowed_origins = ["https://a.example", "https://b.example"]

[logging]
format = "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/var/lib/agentbus/bus.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Agents.HeartbeatInterval != 15*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 15s", cfg.Agents.HeartbeatInterval)
	}
	if len(cfg.Agents.AllowedOrigins) != 2 {
		t.Errorf("Agents.AllowedOrigins = %v, want 2 entries", cfg.Agents.AllowedOrigins)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("AGENTBUS_TEST_SECRET", "expanded-secret")
	t.Setenv("AGENTBUS_TEST_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: "${AGENTBUS_TEST_DB}"
auth:
  jwt_secret: "${AGENTBUS_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
	}{
		{"bad heartbeat interval", "heartbeat_interval", "soon"},
		{"bad write timeout", "write_timeout", "10 parsecs"},
		{"negative dedupe", "dedupe_ttl", "-1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: ":memory:"
agents:
  `+tt.field+`: "`+tt.value+`"
`)
			_, err := Load(configPath)
			if err == nil {
				t.Fatalf("Load() expected error for %s=%q", tt.field, tt.value)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q should name field %s", err, tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: ":8080", GRPCAddr: ":50051"},
			Database: DatabaseConfig{Path: ":memory:"},
			Logging:  LoggingConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{
			"tailscale replaces addrs",
			func(c *Config) {
				c.Server = ServerConfig{}
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "agentbus"}
			},
			"",
		},
		{
			"tailscale needs hostname",
			func(c *Config) { c.Tailscale = TailscaleConfig{Enabled: true} },
			"tailscale.hostname",
		},
		{
			"timeout must exceed interval",
			func(c *Config) {
				c.Agents.HeartbeatInterval = 30 * time.Second
				c.Agents.HeartbeatTimeout = 30 * time.Second
			},
			"heartbeat_timeout",
		},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"tracing needs endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"negative max message", func(c *Config) { c.Agents.MaxMessageBytes = -1 }, "max_message_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AGENTBUS_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${AGENTBUS_A}", "alpha"},
		{"x-${AGENTBUS_A}-y", "x-alpha-y"},
		{"${AGENTBUS_UNSET_VARIABLE}", ""},
		{"$AGENTBUS_A", "$AGENTBUS_A"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
