package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig selects the recognition backend and tunes the streaming pipeline.
type STTConfig struct {
	Enabled           bool      `yaml:"enabled"`
	Engine            string    `yaml:"engine"`      // mock, exec, wasm, whisper
	SpeechMode        string    `yaml:"speech_mode"` // automatic, single_sentence, manual
	Command           string    `yaml:"command"`
	Plugin            string    `yaml:"plugin"`
	ModelPath         string    `yaml:"model_path"`
	ScorerPath        string    `yaml:"scorer_path"`
	Language          string    `yaml:"language"`
	SampleRate        int       `yaml:"sample_rate"`
	Channels          int       `yaml:"channels"`
	FrameDurationMS   int       `yaml:"frame_duration_ms"`
	MaxSegmentMS      int       `yaml:"max_segment_ms"`
	SentenceTimeoutMS int       `yaml:"sentence_timeout_ms"`
	IdleTimeoutMS     int       `yaml:"idle_timeout_ms"`
	PublishInterim    bool      `yaml:"publish_interim"`
	VAD               VADConfig `yaml:"vad"`
}

type VADConfig struct {
	Enabled          bool    `yaml:"enabled"`
	FrameMS          int     `yaml:"frame_ms"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	HangoverMS       int     `yaml:"hangover_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-stt-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stt.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:           true,
			Engine:            "mock",
			SpeechMode:        "automatic",
			SampleRate:        16000,
			Channels:          1,
			FrameDurationMS:   20,
			MaxSegmentMS:      30000,
			SentenceTimeoutMS: 5000,
			IdleTimeoutMS:     60000,
			PublishInterim:    true,
			VAD: VADConfig{
				Enabled:          true,
				FrameMS:          20,
				SpeechThreshold:  0.015,
				SilenceThreshold: 0.008,
				HangoverMS:       200,
			},
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Engine, "LOQA_STT_ENGINE")
	overrideString(&cfg.STT.SpeechMode, "LOQA_STT_SPEECH_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Plugin, "LOQA_STT_PLUGIN")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.ScorerPath, "LOQA_STT_SCORER_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.MaxSegmentMS, "LOQA_STT_MAX_SEGMENT_MS")
	overrideInt(&cfg.STT.SentenceTimeoutMS, "LOQA_STT_SENTENCE_TIMEOUT_MS")
	overrideInt(&cfg.STT.IdleTimeoutMS, "LOQA_STT_IDLE_TIMEOUT_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideBool(&cfg.STT.VAD.Enabled, "LOQA_STT_VAD_ENABLED")
	overrideInt(&cfg.STT.VAD.FrameMS, "LOQA_STT_VAD_FRAME_MS")
	overrideFloat(&cfg.STT.VAD.SpeechThreshold, "LOQA_STT_VAD_SPEECH_THRESHOLD")
	overrideFloat(&cfg.STT.VAD.SilenceThreshold, "LOQA_STT_VAD_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.VAD.HangoverMS, "LOQA_STT_VAD_HANGOVER_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.STT.Enabled {
		if err := ValidateSTT(cfg.STT); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSTT checks the pipeline section on its own so offline tools can
// reuse it without a full runtime configuration.
func ValidateSTT(cfg STTConfig) error {
	switch cfg.Engine {
	case "mock", "exec", "wasm", "whisper":
	default:
		return errors.New("stt.engine must be one of mock|exec|wasm|whisper")
	}
	switch cfg.SpeechMode {
	case "automatic", "single_sentence", "manual":
	default:
		return errors.New("stt.speech_mode must be one of automatic|single_sentence|manual")
	}
	if cfg.Engine == "exec" && cfg.Command == "" {
		return errors.New("stt.command must be set when engine=exec")
	}
	if cfg.Engine == "wasm" && cfg.Plugin == "" {
		return errors.New("stt.plugin must be set when engine=wasm")
	}
	if cfg.Engine == "whisper" && cfg.ModelPath == "" {
		return errors.New("stt.model_path must be set when engine=whisper")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.FrameDurationMS <= 0 {
		return errors.New("stt.frame_duration_ms must be positive")
	}
	if cfg.MaxSegmentMS < cfg.FrameDurationMS {
		return errors.New("stt.max_segment_ms must be at least one frame")
	}
	if cfg.SentenceTimeoutMS < 0 {
		return errors.New("stt.sentence_timeout_ms must be >= 0")
	}
	if cfg.IdleTimeoutMS < 0 {
		return errors.New("stt.idle_timeout_ms must be >= 0")
	}
	if cfg.VAD.Enabled {
		if cfg.VAD.FrameMS <= 0 {
			return errors.New("stt.vad.frame_ms must be positive")
		}
		if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
			return errors.New("stt.vad.silence_threshold must not exceed speech_threshold")
		}
	}
	return nil
}

// MaxSegmentSamples converts the segment duration bound into a sample count.
func (c STTConfig) MaxSegmentSamples() int {
	return c.SampleRate * c.Channels * c.MaxSegmentMS / 1000
}

// FrameSamples is the number of samples carried by one pipeline frame.
func (c STTConfig) FrameSamples() int {
	return c.SampleRate * c.Channels * c.FrameDurationMS / 1000
}
