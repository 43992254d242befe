package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names an optional YAML file whose top-level keys are read as if
// they were environment variables. Real environment variables win.
const FileEnv = "KIOSK_CONFIG_FILE"

// Config contains all runtime settings for the kiosk voice producer.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string

	TTSProvider         string
	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	ElevenLabsTTSVoice  string
	ElevenLabsTTSModel  string
	ElevenLabsSTTModel  string
	TranscriptTimeout   time.Duration

	LLMProvider      string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	LLMSystemPrompt  string
	LLMHistory       int
	MockResponseText string

	DatabaseURL  string
	NATSURL      string
	OTelExporter string
	OTelEndpoint string

	AudioSampleRate      int
	AudioChunkBytes      int
	PhraseStagger        time.Duration
	PhraseMinWords       int
	PhraseMaxWords       int
	PhraseStrictOrder    bool
	TTSGenerationTimeout time.Duration
	DeviceQueueSlots     int
}

const defaultSystemPrompt = "You are the voice of a public information kiosk. Answer in short, friendly spoken sentences. Never use lists, markup or URLs."

// Load reads environment variables, over an optional config file, and
// applies safe defaults.
func Load() (Config, error) {
	src, err := newSource(os.Getenv(FileEnv))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:            src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    src.envOrDefault("APP_METRICS_NAMESPACE", "kioskvoice"),
		LogLevel:            strings.ToLower(src.envOrDefault("LOG_LEVEL", "info")),
		TTSProvider:         strings.ToLower(src.envOrDefault("TTS_PROVIDER", "auto")),
		ElevenLabsAPIKey:    src.trimmed("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: src.envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  src.envOrDefault("ELEVENLABS_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel:  src.envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsSTTModel:  src.envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		LLMProvider:         strings.ToLower(src.envOrDefault("LLM_PROVIDER", "auto")),
		OpenAIAPIKey:        src.trimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:       src.trimmed("OPENAI_BASE_URL"),
		OpenAIModel:         src.envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		LLMSystemPrompt:     src.envOrDefault("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
		MockResponseText:    src.trimmed("MOCK_RESPONSE_TEXT"),
		DatabaseURL:         src.trimmed("DATABASE_URL"),
		NATSURL:             src.trimmed("NATS_URL"),
		OTelExporter:        strings.ToLower(src.envOrDefault("OTEL_EXPORTER", "none")),
		OTelEndpoint:        src.trimmed("OTEL_OTLP_ENDPOINT"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		TranscriptTimeout:        8 * time.Second,
		AudioSampleRate:          16000,
		AudioChunkBytes:          4096,
		PhraseStagger:            60 * time.Millisecond,
		PhraseMinWords:           8,
		PhraseMaxWords:           20,
		TTSGenerationTimeout:     30 * time.Second,
		DeviceQueueSlots:         4,
		LLMHistory:               20,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"STT_TRANSCRIPT_TIMEOUT", &cfg.TranscriptTimeout},
		{"PHRASE_STAGGER", &cfg.PhraseStagger},
		{"TTS_GENERATION_TIMEOUT", &cfg.TTSGenerationTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = src.durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AUDIO_SAMPLE_RATE", &cfg.AudioSampleRate},
		{"AUDIO_CHUNK_BYTES", &cfg.AudioChunkBytes},
		{"PHRASE_MIN_WORDS", &cfg.PhraseMinWords},
		{"PHRASE_MAX_WORDS", &cfg.PhraseMaxWords},
		{"DEVICE_QUEUE_SLOTS", &cfg.DeviceQueueSlots},
		{"LLM_HISTORY_MESSAGES", &cfg.LLMHistory},
	}
	for _, n := range ints {
		if *n.dst, err = src.intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.PhraseStrictOrder, err = src.boolFromEnv("PHRASE_STRICT_ORDER", cfg.PhraseStrictOrder)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if !oneOf(c.TTSProvider, "auto", "elevenlabs", "mock") {
		return fmt.Errorf("TTS_PROVIDER must be one of auto, elevenlabs, mock")
	}
	if c.TTSProvider == "elevenlabs" && c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("TTS_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY")
	}
	if !oneOf(c.LLMProvider, "auto", "openai", "echo", "mock") {
		return fmt.Errorf("LLM_PROVIDER must be one of auto, openai, echo")
	}
	if c.LLMProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("LLM_PROVIDER=openai requires OPENAI_API_KEY")
	}
	if !oneOf(c.OTelExporter, "none", "stdout", "otlp") {
		return fmt.Errorf("OTEL_EXPORTER must be one of none, stdout, otlp")
	}
	if c.AudioSampleRate < 8000 || c.AudioSampleRate > 48000 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.AudioChunkBytes < 256 {
		return fmt.Errorf("AUDIO_CHUNK_BYTES must be at least 256")
	}
	if c.PhraseStagger < 0 || c.PhraseStagger > 500*time.Millisecond {
		return fmt.Errorf("PHRASE_STAGGER must be between 0 and 500ms")
	}
	if c.PhraseMinWords < 1 {
		return fmt.Errorf("PHRASE_MIN_WORDS must be positive")
	}
	if c.PhraseMaxWords < c.PhraseMinWords {
		return fmt.Errorf("PHRASE_MAX_WORDS must be >= PHRASE_MIN_WORDS")
	}
	if c.TTSGenerationTimeout <= 0 {
		return fmt.Errorf("TTS_GENERATION_TIMEOUT must be positive")
	}
	if c.TranscriptTimeout <= 0 {
		return fmt.Errorf("STT_TRANSCRIPT_TIMEOUT must be positive")
	}
	if c.LLMHistory < 0 || c.LLMHistory > 200 {
		return fmt.Errorf("LLM_HISTORY_MESSAGES must be between 0 and 200")
	}
	if c.DeviceQueueSlots < 1 || c.DeviceQueueSlots > 64 {
		return fmt.Errorf("DEVICE_QUEUE_SLOTS must be between 1 and 64")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// source resolves a key from the environment first and the config file
// second.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	src := &source{file: map[string]string{}}
	path = strings.TrimSpace(path)
	if path == "" {
		return src, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileEnv, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range doc {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse %s: key %s must be a scalar", path, k)
		case nil:
			continue
		}
		src.file[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return src, nil
}

func (s *source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) envOrDefault(key, fallback string) string {
	v := s.trimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s *source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func (s *source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s *source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s *source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
