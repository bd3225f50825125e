package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAPIBaseURL is used when no lookup base URL is configured.
const DefaultAPIBaseURL = "https://recommendationsvibeapp-backend4.onrender.com"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Lookup      LookupConfig     `yaml:"lookup"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// Edge microphones are marked unhealthy after this long without a heartbeat.
	MicHeartbeatTimeout int `yaml:"mic_heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

// CaptureConfig selects and tunes the audio input device. Command may
// reference {sample_rate} and {channels}.
type CaptureConfig struct {
	Device        string `yaml:"device"` // exec, bus, file
	Command       string `yaml:"command"`
	Subject       string `yaml:"subject"`
	File          string `yaml:"file"`
	MIMEType      string `yaml:"mime_type"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	ChunkBytes    int    `yaml:"chunk_bytes"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
}

// LookupConfig describes the recommendation backend.
type LookupConfig struct {
	BaseURL         string `yaml:"base_url"`
	Path            string `yaml:"path"`
	Filename        string `yaml:"filename"`
	DefaultLocation string `yaml:"default_location"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

// Endpoint returns the full URL the recording is uploaded to.
func (l LookupConfig) Endpoint() string {
	base := strings.TrimRight(l.BaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	path := l.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-menu",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:             false,
			Embedded:            true,
			Port:                4222,
			StoreDir:            "./data/nats",
			Servers:             []string{"nats://localhost:4222"},
			ConnectTimeout:      2000,
			MicHeartbeatTimeout: 15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-menu-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 1,
			MaxSessions:   100,
		},
		Capture: CaptureConfig{
			Device:        "exec",
			Command:       "arecord -q -f S16_LE -r {sample_rate} -c {channels} -t wav -",
			Subject:       "audio.frame.mic",
			MIMEType:      "audio/wav",
			SampleRate:    16000,
			Channels:      1,
			ChunkBytes:    4096,
			MaxDurationMS: 90000,
		},
		Lookup: LookupConfig{
			BaseURL:         DefaultAPIBaseURL,
			Path:            "/api/menu/speech-to-menu-recommendations",
			Filename:        "recording.wav",
			DefaultLocation: "New York, NY",
			TimeoutMS:       60000,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_MENU_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_MENU_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_MENU_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_MENU_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_MENU_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_MENU_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_MENU_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_MENU_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_MENU_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_MENU_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_MENU_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_MENU_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_MENU_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_MENU_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_MENU_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_MENU_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_MENU_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MicHeartbeatTimeout, "LOQA_MENU_BUS_MIC_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_MENU_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_MENU_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_MENU_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_MENU_EVENT_STORE_MAX_SESSIONS")
	overrideString(&cfg.Capture.Device, "LOQA_MENU_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_MENU_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Subject, "LOQA_MENU_CAPTURE_SUBJECT")
	overrideString(&cfg.Capture.File, "LOQA_MENU_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_MENU_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_MENU_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkBytes, "LOQA_MENU_CAPTURE_CHUNK_BYTES")
	overrideInt(&cfg.Capture.MaxDurationMS, "LOQA_MENU_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Lookup.BaseURL, "LOQA_MENU_API_URL")
	overrideString(&cfg.Lookup.DefaultLocation, "LOQA_MENU_DEFAULT_LOCATION")
	overrideInt(&cfg.Lookup.TimeoutMS, "LOQA_MENU_LOOKUP_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Device {
	case "exec":
		if strings.TrimSpace(cfg.Capture.Command) == "" {
			return errors.New("capture.command must be set when device=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.device=bus requires bus.enabled")
		}
		if cfg.Capture.Subject == "" {
			return errors.New("capture.subject must be set when device=bus")
		}
	case "file":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when device=file")
		}
	default:
		return errors.New("capture.device must be one of exec|bus|file")
	}
	if cfg.Capture.MIMEType == "" {
		return errors.New("capture.mime_type must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		return errors.New("capture.sample_rate and capture.channels must be positive")
	}
	if cfg.Capture.ChunkBytes <= 0 {
		return errors.New("capture.chunk_bytes must be positive")
	}
	if cfg.Capture.MaxDurationMS < 0 {
		return errors.New("capture.max_duration_ms must be >= 0")
	}
	if cfg.Lookup.Path == "" {
		return errors.New("lookup.path must not be empty")
	}
	if cfg.Lookup.Filename == "" {
		return errors.New("lookup.filename must not be empty")
	}
	if cfg.Lookup.TimeoutMS <= 0 {
		return errors.New("lookup.timeout_ms must be positive")
	}
	return nil
}
