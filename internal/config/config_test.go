package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Language != "pt-BR" {
		t.Fatalf("expected pt-BR recognizer language, got %q", cfg.STT.Language)
	}
	if cfg.Capture.RetryDelay != 100 {
		t.Fatalf("expected 100ms retry delay, got %d", cfg.Capture.RetryDelay)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "vozfin.yaml")
	data := `
runtime_name: vozfin-test
http:
  port: 9090
bus:
  embedded: false
  servers: ["nats://bus:4222"]
stt:
  mode: exec
  command: "whisper-cli --threads 2"
ledger:
  path: /tmp/ledger.db
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "vozfin-test" || cfg.HTTP.Port != 9090 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Bus.Embedded || cfg.Bus.Servers[0] != "nats://bus:4222" {
		t.Fatalf("unexpected bus config %+v", cfg.Bus)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected defaults kept alongside overrides, got %+v", cfg.STT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("does-not-exist.yaml"); err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VOZFIN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOZFIN_BUS_USERNAME", "alice")
	t.Setenv("VOZFIN_BUS_PASSWORD", "secret")
	t.Setenv("VOZFIN_BUS_TLS_INSECURE", "true")
	t.Setenv("VOZFIN_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOZFIN_DEVICES_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("VOZFIN_CAPTURE_RETRY_DELAY_MS", "250")
	t.Setenv("VOZFIN_STT_MOCK_PHRASE", "recebi 1500 de freelance")
	t.Setenv("VOZFIN_LEDGER_PATH", "./ledger.db")
	t.Setenv("VOZFIN_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOZFIN_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("VOZFIN_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("VOZFIN_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("VOZFIN_API_ALLOWED_ORIGINS", "https://app.vozfin.com")
	t.Setenv("VOZFIN_API_SUMMARY_CACHE_SIZE", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Devices.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat timeout override")
	}
	if cfg.Capture.RetryDelay != 250 {
		t.Fatalf("expected retry delay override")
	}
	if cfg.STT.MockPhrase != "recebi 1500 de freelance" {
		t.Fatalf("expected mock phrase override")
	}
	if cfg.Ledger.Path != "./ledger.db" {
		t.Fatalf("expected ledger path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if len(cfg.API.AllowedOrigins) != 1 || cfg.API.AllowedOrigins[0] != "https://app.vozfin.com" {
		t.Fatalf("expected allowed origins override, got %v", cfg.API.AllowedOrigins)
	}
	if cfg.API.SummaryCacheSize != 50 {
		t.Fatalf("expected cache size override")
	}
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("VOZFIN_HTTP_PORT=8181\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("VOZFIN_HTTP_PORT") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8181 {
		t.Fatalf("expected port from .env, got %d", cfg.HTTP.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"log level", func(c *Config) { c.Telemetry.LogLevel = "loud" }, "telemetry.log_level"},
		{"random bus port", func(c *Config) { c.Bus.Port = -1 }, ""},
		{"bus servers", func(c *Config) { c.Bus.Embedded = false; c.Bus.Servers = nil }, "bus.servers"},
		{"stt mode", func(c *Config) { c.STT.Mode = "cloud" }, "stt.mode"},
		{"stt command", func(c *Config) { c.STT.Mode = "exec" }, "stt.command"},
		{"stt disabled", func(c *Config) { c.STT.Enabled = false; c.STT.Mode = "cloud" }, ""},
		{"ledger path", func(c *Config) { c.Ledger.Path = "" }, "ledger.path"},
		{"retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "event_store.retention_mode"},
		{"ephemeral without path", func(c *Config) { c.EventStore.RetentionMode = "ephemeral"; c.EventStore.Path = "" }, ""},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"session timeout", func(c *Config) { c.Capture.SessionTimeout = 0 }, "capture.session_timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
