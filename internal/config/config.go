package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-room/internal/protocol"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces prints spans to stderr when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
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
	Room        RoomConfig       `yaml:"room"`
	Protocol    ProtocolConfig   `yaml:"protocol"`
	Reassembly  ReassemblyConfig `yaml:"reassembly"`
	Agent       AgentConfig      `yaml:"agent"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
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

// RoomConfig selects the room transport and the agent's place in it.
type RoomConfig struct {
	Transport       string `yaml:"transport"` // livekit, nats
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	Name            string `yaml:"name"`
	NamePrefix      string `yaml:"name_prefix"`
	Identity        string `yaml:"identity"`
	DisplayName     string `yaml:"display_name"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

type ProtocolConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChatTopic     string `yaml:"chat_topic"`
	AudioTopic    string `yaml:"audio_topic"`
	UserChatTopic string `yaml:"user_chat_topic"`
}

type ReassemblyConfig struct {
	StallTimeoutMS int `yaml:"stall_timeout_ms"`
}

type AgentConfig struct {
	Persona            string `yaml:"persona"`
	Instruction        string `yaml:"instruction"`
	ReplyPrefix        string `yaml:"reply_prefix"`
	Welcome            string `yaml:"welcome"`
	TextInput          bool   `yaml:"text_input"`
	Simulate           bool   `yaml:"simulate"`
	SimulatedUtterance string `yaml:"simulated_utterance"`
	SimulateDelayMS    int    `yaml:"simulate_delay_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // mock, ollama, exec, gemini, bus
	Serve            bool    `yaml:"serve"`
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	ModelFast        string  `yaml:"model_fast"`
	ModelBalanced    string  `yaml:"model_balanced"`
	DefaultTier      string  `yaml:"default_tier"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
}

type TTSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, exec, gemini, bus
	Serve            bool   `yaml:"serve"`
	Command          string `yaml:"command"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	ChunkDurationMS  int    `yaml:"chunk_duration_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

const defaultPersona = `You are Baymax, a personal healthcare companion. Your responses should be helpful and caring. Start every response with "Baymax: ".`

const defaultInstruction = `Summarize the user's statement and offer assistance.

User said: %s`

func Default() Config {
	return Config{
		RuntimeName: "loqa-room",
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
		Room: RoomConfig{
			Transport:       "nats",
			Name:            "g-baymax-session",
			NamePrefix:      "g-baymax-session-",
			Identity:        "Baymax",
			DisplayName:     "Baymax",
			TokenTTLSeconds: 600,
		},
		Protocol: ProtocolConfig{
			ChunkSize:     protocol.DefaultChunkSize,
			ChatTopic:     protocol.TopicChat,
			AudioTopic:    protocol.TopicAudio,
			UserChatTopic: protocol.TopicUserChat,
		},
		Agent: AgentConfig{
			Persona:            defaultPersona,
			Instruction:        defaultInstruction,
			ReplyPrefix:        "Baymax: ",
			Welcome:            "Hello! I am Baymax, your personal healthcare companion. How can I help you today?",
			TextInput:          true,
			Simulate:           false,
			SimulatedUtterance: "I have a headache and a fever.",
			SimulateDelayMS:    2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-room.db",
			RetentionMode: "session",
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
		},
		LLM: LLMConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "gemini-2.0-flash",
			ModelFast:        "llama3.2:latest",
			ModelBalanced:    "llama3.2:latest",
			DefaultTier:      "balanced",
			MaxTokens:        256,
			Temperature:      0.7,
			RequestTimeoutMS: 60000,
		},
		TTS: TTSConfig{
			Enabled:          true,
			Mode:             "mock",
			Model:            "gemini-2.5-flash-preview-tts",
			Voice:            "Algenib",
			SampleRate:       24000,
			Channels:         1,
			ChunkDurationMS:  400,
			RequestTimeoutMS: 45000,
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
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Room.Transport, "LOQA_ROOM_TRANSPORT")
	overrideString(&cfg.Room.URL, "LIVEKIT_URL")
	overrideString(&cfg.Room.URL, "LOQA_ROOM_URL")
	overrideString(&cfg.Room.APIKey, "LIVEKIT_API_KEY")
	overrideString(&cfg.Room.APIKey, "LOQA_ROOM_API_KEY")
	overrideString(&cfg.Room.APISecret, "LIVEKIT_API_SECRET")
	overrideString(&cfg.Room.APISecret, "LOQA_ROOM_API_SECRET")
	overrideString(&cfg.Room.Name, "LOQA_ROOM_NAME")
	overrideString(&cfg.Room.NamePrefix, "LOQA_ROOM_NAME_PREFIX")
	overrideString(&cfg.Room.Identity, "LOQA_ROOM_IDENTITY")
	overrideString(&cfg.Room.DisplayName, "LOQA_ROOM_DISPLAY_NAME")
	overrideInt(&cfg.Room.TokenTTLSeconds, "LOQA_ROOM_TOKEN_TTL_SECONDS")
	overrideInt(&cfg.Protocol.ChunkSize, "LOQA_PROTOCOL_CHUNK_SIZE")
	overrideString(&cfg.Protocol.ChatTopic, "LOQA_PROTOCOL_CHAT_TOPIC")
	overrideString(&cfg.Protocol.AudioTopic, "LOQA_PROTOCOL_AUDIO_TOPIC")
	overrideString(&cfg.Protocol.UserChatTopic, "LOQA_PROTOCOL_USER_CHAT_TOPIC")
	overrideInt(&cfg.Reassembly.StallTimeoutMS, "LOQA_REASSEMBLY_STALL_TIMEOUT_MS")
	overrideString(&cfg.Agent.Persona, "LOQA_AGENT_PERSONA")
	overrideString(&cfg.Agent.ReplyPrefix, "LOQA_AGENT_REPLY_PREFIX")
	overrideString(&cfg.Agent.Welcome, "LOQA_AGENT_WELCOME")
	overrideBool(&cfg.Agent.TextInput, "LOQA_AGENT_TEXT_INPUT")
	overrideBool(&cfg.Agent.Simulate, "LOQA_AGENT_SIMULATE")
	overrideString(&cfg.Agent.SimulatedUtterance, "LOQA_AGENT_SIMULATED_UTTERANCE")
	overrideInt(&cfg.Agent.SimulateDelayMS, "LOQA_AGENT_SIMULATE_DELAY_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideBool(&cfg.LLM.Serve, "LOQA_LLM_SERVE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.RequestTimeoutMS, "LOQA_LLM_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideBool(&cfg.TTS.Serve, "LOQA_TTS_SERVE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
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

// NeedsBus reports whether any configured component talks to NATS.
func (c Config) NeedsBus() bool {
	return c.Room.Transport == "nats" ||
		c.STT.Enabled ||
		c.LLM.Mode == "bus" || c.LLM.Serve ||
		(c.TTS.Enabled && (c.TTS.Mode == "bus" || c.TTS.Serve))
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.NeedsBus() {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Room.Transport {
	case "livekit":
		if cfg.Room.URL == "" {
			return errors.New("room.url must be set when transport=livekit")
		}
		if cfg.Room.APIKey == "" || cfg.Room.APISecret == "" {
			return errors.New("room.api_key and room.api_secret must be set when transport=livekit")
		}
	case "nats":
		if cfg.Room.Name == "" {
			return errors.New("room.name must be set when transport=nats")
		}
	default:
		return errors.New("room.transport must be one of livekit|nats")
	}
	if cfg.Room.Identity == "" {
		return errors.New("room.identity must not be empty")
	}
	if cfg.Room.TokenTTLSeconds <= 0 {
		return errors.New("room.token_ttl_seconds must be positive")
	}
	if cfg.Protocol.ChunkSize <= 0 {
		return errors.New("protocol.chunk_size must be positive")
	}
	if cfg.Protocol.ChunkSize <= len(protocol.Terminator) {
		return fmt.Errorf("protocol.chunk_size must be larger than the %d byte terminator", len(protocol.Terminator))
	}
	if cfg.Protocol.ChatTopic == "" || cfg.Protocol.AudioTopic == "" {
		return errors.New("protocol.chat_topic and protocol.audio_topic must not be empty")
	}
	if cfg.Protocol.ChatTopic == cfg.Protocol.AudioTopic {
		return errors.New("protocol.chat_topic and protocol.audio_topic must differ")
	}
	if cfg.Agent.TextInput && cfg.Protocol.UserChatTopic == "" {
		return errors.New("protocol.user_chat_topic must be set when agent.text_input is enabled")
	}
	if cfg.Reassembly.StallTimeoutMS < 0 {
		return errors.New("reassembly.stall_timeout_ms must be >= 0")
	}
	if cfg.Agent.Simulate {
		if strings.TrimSpace(cfg.Agent.SimulatedUtterance) == "" {
			return errors.New("agent.simulated_utterance must be set when agent.simulate is enabled")
		}
		if cfg.Agent.SimulateDelayMS < 0 {
			return errors.New("agent.simulate_delay_ms must be >= 0")
		}
	}
	if !strings.Contains(cfg.Agent.Instruction, "%s") {
		return errors.New("agent.instruction must contain a %s placeholder for the utterance")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "gemini", "bus":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini|bus")
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
	if cfg.LLM.Mode == "bus" && cfg.LLM.Serve {
		return errors.New("llm.serve cannot be combined with mode=bus")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.RequestTimeoutMS <= 0 {
		return errors.New("llm.request_timeout_ms must be positive")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "gemini", "bus":
		default:
			return errors.New("tts.mode must be one of mock|exec|gemini|bus")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "gemini" && cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=gemini")
		}
		if cfg.TTS.Mode == "bus" && cfg.TTS.Serve {
			return errors.New("tts.serve cannot be combined with mode=bus")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.RequestTimeoutMS <= 0 {
			return errors.New("tts.request_timeout_ms must be positive")
		}
	}
	return nil
}
