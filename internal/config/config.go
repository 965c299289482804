package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Timezone    string           `yaml:"timezone"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Devices     DevicesConfig    `yaml:"devices"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	API         APIConfig        `yaml:"api"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

// DevicesConfig controls tracking of capture devices announcing themselves on the bus.
type DevicesConfig struct {
	HeartbeatTimeout int    `yaml:"heartbeat_timeout_ms"`
	SweepInterval    int    `yaml:"sweep_interval_ms"`
	DefaultOrigin    string `yaml:"default_origin"`
}

type CaptureConfig struct {
	RetryDelay     int  `yaml:"retry_delay_ms"`
	SessionTimeout int  `yaml:"session_timeout_ms"`
	PublishStatus  bool `yaml:"publish_status"`
}

type STTConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"` // mock, exec
	Command           string `yaml:"command"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	MockPhrase        string `yaml:"mock_phrase"`
	TranscribeTimeout int    `yaml:"transcribe_timeout_ms"`
	MaxUtterance      int    `yaml:"max_utterance_seconds"`
}

type LedgerConfig struct {
	Path          string `yaml:"path"`
	DefaultLimit  int    `yaml:"default_limit"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type APIConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	SummaryCacheSize int64    `yaml:"summary_cache_size"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "vozfin",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 10000,
		},
		Devices: DevicesConfig{
			HeartbeatTimeout: 15000,
			SweepInterval:    1000,
			DefaultOrigin:    "http://localhost",
		},
		Capture: CaptureConfig{
			RetryDelay:     100,
			SessionTimeout: 60000,
			PublishStatus:  true,
		},
		STT: STTConfig{
			Enabled:           true,
			Mode:              "mock",
			Language:          "pt-BR",
			SampleRate:        16000,
			Channels:          1,
			MockPhrase:        "Gastei 50 reais no mercado hoje",
			TranscribeTimeout: 45000,
			MaxUtterance:      30,
		},
		Ledger: LedgerConfig{
			Path:         "./data/vozfin.db",
			DefaultLimit: 100,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/vozfin-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		API: APIConfig{
			AllowedOrigins:   []string{"http://localhost:3000"},
			SummaryCacheSize: 1000,
			MaxBodyBytes:     1 << 20,
		},
	}
}

// Load reads the YAML file at path (when set) over Default, applies a .env
// file from the working directory if one exists, then VOZFIN_* overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Location resolves the configured timezone, falling back to the local zone.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOZFIN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOZFIN_ENVIRONMENT")
	overrideString(&cfg.Timezone, "VOZFIN_TIMEZONE")
	overrideString(&cfg.HTTP.Bind, "VOZFIN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOZFIN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOZFIN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOZFIN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOZFIN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOZFIN_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "VOZFIN_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "VOZFIN_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "VOZFIN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOZFIN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOZFIN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOZFIN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOZFIN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOZFIN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOZFIN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOZFIN_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "VOZFIN_BUS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Devices.HeartbeatTimeout, "VOZFIN_DEVICES_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Devices.SweepInterval, "VOZFIN_DEVICES_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Devices.DefaultOrigin, "VOZFIN_DEVICES_DEFAULT_ORIGIN")
	overrideInt(&cfg.Capture.RetryDelay, "VOZFIN_CAPTURE_RETRY_DELAY_MS")
	overrideInt(&cfg.Capture.SessionTimeout, "VOZFIN_CAPTURE_SESSION_TIMEOUT_MS")
	overrideBool(&cfg.Capture.PublishStatus, "VOZFIN_CAPTURE_PUBLISH_STATUS")
	overrideBool(&cfg.STT.Enabled, "VOZFIN_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "VOZFIN_STT_MODE")
	overrideString(&cfg.STT.Command, "VOZFIN_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOZFIN_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOZFIN_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOZFIN_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOZFIN_STT_CHANNELS")
	overrideString(&cfg.STT.MockPhrase, "VOZFIN_STT_MOCK_PHRASE")
	overrideInt(&cfg.STT.TranscribeTimeout, "VOZFIN_STT_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.STT.MaxUtterance, "VOZFIN_STT_MAX_UTTERANCE_SECONDS")
	overrideString(&cfg.Ledger.Path, "VOZFIN_LEDGER_PATH")
	overrideInt(&cfg.Ledger.DefaultLimit, "VOZFIN_LEDGER_DEFAULT_LIMIT")
	overrideBool(&cfg.Ledger.VacuumOnStart, "VOZFIN_LEDGER_VACUUM_ON_START")
	overrideString(&cfg.EventStore.Path, "VOZFIN_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOZFIN_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOZFIN_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOZFIN_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOZFIN_EVENT_STORE_VACUUM_ON_START")
	overrideStringSlice(&cfg.API.AllowedOrigins, "VOZFIN_API_ALLOWED_ORIGINS")
	overrideInt64(&cfg.API.SummaryCacheSize, "VOZFIN_API_SUMMARY_CACHE_SIZE")
	overrideInt64(&cfg.API.MaxBodyBytes, "VOZFIN_API_MAX_BODY_BYTES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate reports the first configuration problem found in cfg.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("timezone is invalid: %w", err)
		}
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for random) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.Devices.HeartbeatTimeout <= 0 {
		return errors.New("devices.heartbeat_timeout_ms must be positive")
	}
	if cfg.Devices.SweepInterval <= 0 {
		return errors.New("devices.sweep_interval_ms must be positive")
	}
	if cfg.Capture.RetryDelay < 0 {
		return errors.New("capture.retry_delay_ms must be >= 0")
	}
	if cfg.Capture.SessionTimeout <= 0 {
		return errors.New("capture.session_timeout_ms must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.TranscribeTimeout <= 0 {
			return errors.New("stt.transcribe_timeout_ms must be positive")
		}
		if cfg.STT.MaxUtterance <= 0 {
			return errors.New("stt.max_utterance_seconds must be positive")
		}
	}
	if cfg.Ledger.Path == "" {
		return errors.New("ledger.path must not be empty")
	}
	if cfg.Ledger.DefaultLimit <= 0 {
		return errors.New("ledger.default_limit must be positive")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.API.SummaryCacheSize < 0 {
		return errors.New("api.summary_cache_size must be >= 0")
	}
	if cfg.API.MaxBodyBytes <= 0 {
		return errors.New("api.max_body_bytes must be positive")
	}
	return nil
}
