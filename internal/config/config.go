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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Events      EventsConfig     `yaml:"events"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Storage     StorageConfig    `yaml:"storage"`
	Session     SessionConfig    `yaml:"session"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Inbox       InboxConfig      `yaml:"inbox"`
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
	IngestSubject  string   `yaml:"ingest_subject"`
}

// EventsConfig selects where session lifecycle events are published.
type EventsConfig struct {
	Driver        string   `yaml:"driver"` // none, nats, kafka
	SubjectPrefix string   `yaml:"subject_prefix"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StorageConfig struct {
	UploadDir   string `yaml:"upload_dir"`
	OutputDir   string `yaml:"output_dir"`
	FeedbackDir string `yaml:"feedback_dir"`
}

type SessionConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	TTLMinutes     int   `yaml:"ttl_minutes"`
}

type STTConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, google
	Command          string `yaml:"command"`
	ConverterCommand string `yaml:"converter_command"`
	ModelPath        string `yaml:"model_path"`
	Language         string `yaml:"language"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	MockText         string `yaml:"mock_text"`
}

type LLMConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Mode           string  `yaml:"mode"` // mock, ollama, exec, gemini
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutMS      int     `yaml:"timeout_ms"`
	MaxConcurrency int     `yaml:"max_concurrency"`
}

type InboxConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Directory   string   `yaml:"directory"`
	Concurrency int      `yaml:"max_concurrency"`
	Extensions  []string `yaml:"extensions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			IngestSubject:  "scribe.audio.submit",
		},
		Events: EventsConfig{
			Driver:        "none",
			SubjectPrefix: "scribe",
			KafkaTopic:    "scribe.events",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Storage: StorageConfig{
			UploadDir:   "./uploads",
			OutputDir:   "./outputs",
			FeedbackDir: "./feedback",
		},
		Session: SessionConfig{
			MaxUploadBytes: 50 << 20,
			TTLMinutes:     60,
		},
		STT: STTConfig{
			Mode:             "mock",
			ConverterCommand: "ffmpeg",
			Language:         "en",
			SampleRate:       16000,
			Channels:         1,
			TimeoutMS:        120000,
		},
		LLM: LLMConfig{
			Enabled:        false,
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "llama3.2:latest",
			MaxTokens:      1024,
			Temperature:    0.1,
			TimeoutMS:      30000,
			MaxConcurrency: 2,
		},
		Inbox: InboxConfig{
			Enabled:     false,
			Directory:   "./inbox",
			Concurrency: 2,
			Extensions:  []string{".webm", ".wav", ".mp3", ".m4a", ".ogg", ".pcm"},
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
	if err := Validate(cfg); err != nil {
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.IngestSubject, "LOQA_BUS_INGEST_SUBJECT")
	overrideString(&cfg.Events.Driver, "LOQA_EVENTS_DRIVER")
	overrideString(&cfg.Events.SubjectPrefix, "LOQA_EVENTS_SUBJECT_PREFIX")
	overrideStringSlice(&cfg.Events.KafkaBrokers, "LOQA_EVENTS_KAFKA_BROKERS")
	overrideString(&cfg.Events.KafkaTopic, "LOQA_EVENTS_KAFKA_TOPIC")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Storage.UploadDir, "LOQA_STORAGE_UPLOAD_DIR")
	overrideString(&cfg.Storage.OutputDir, "LOQA_STORAGE_OUTPUT_DIR")
	overrideString(&cfg.Storage.FeedbackDir, "LOQA_STORAGE_FEEDBACK_DIR")
	overrideInt64(&cfg.Session.MaxUploadBytes, "LOQA_SESSION_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.Session.TTLMinutes, "LOQA_SESSION_TTL_MINUTES")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ConverterCommand, "LOQA_STT_CONVERTER_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.STT.MockText, "LOQA_STT_MOCK_TEXT")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxConcurrency, "LOQA_LLM_MAX_CONCURRENCY")
	overrideBool(&cfg.Inbox.Enabled, "LOQA_INBOX_ENABLED")
	overrideString(&cfg.Inbox.Directory, "LOQA_INBOX_DIRECTORY")
	overrideInt(&cfg.Inbox.Concurrency, "LOQA_INBOX_MAX_CONCURRENCY")
	overrideStringSlice(&cfg.Inbox.Extensions, "LOQA_INBOX_EXTENSIONS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
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
	switch cfg.Events.Driver {
	case "none", "":
	case "nats":
		if !cfg.Bus.Enabled {
			return errors.New("events.driver=nats requires bus.enabled")
		}
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			return errors.New("events.kafka_brokers must be set when driver=kafka")
		}
		if cfg.Events.KafkaTopic == "" {
			return errors.New("events.kafka_topic must be set when driver=kafka")
		}
	default:
		return errors.New("events.driver must be one of none|nats|kafka")
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
	if cfg.Storage.UploadDir == "" || cfg.Storage.OutputDir == "" || cfg.Storage.FeedbackDir == "" {
		return errors.New("storage.upload_dir, storage.output_dir and storage.feedback_dir must be set")
	}
	if cfg.Storage.OutputDir == cfg.Storage.FeedbackDir {
		return errors.New("storage.output_dir and storage.feedback_dir must differ")
	}
	if cfg.Session.MaxUploadBytes <= 0 {
		return errors.New("session.max_upload_bytes must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "google":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|google")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec", "gemini":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec|gemini")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=gemini")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.TimeoutMS <= 0 {
			return errors.New("llm.timeout_ms must be positive")
		}
	}
	if cfg.Inbox.Enabled {
		if cfg.Inbox.Directory == "" {
			return errors.New("inbox.directory must not be empty when inbox is enabled")
		}
		if cfg.Inbox.Concurrency <= 0 {
			return errors.New("inbox.max_concurrency must be >= 1")
		}
	}
	return nil
}
