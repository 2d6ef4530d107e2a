package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	// Conversation limits.
	SilenceTimeout     time.Duration
	MaxCallDuration    time.Duration
	SessionIdleTimeout time.Duration
	FirstAudioSLO      time.Duration

	// Inbound audio handling.
	FrameQueueCapacity int
	ActivityThreshold  float64
	ActivityWindow     int

	// Partial transcripts shorter than this many characters are not published.
	PartialMinChars int

	// Realtime AI pipeline endpoint (STT -> LLM -> TTS behind one socket).
	AIWebsocketURL string
	AIModel        string
	AIVoice        string
	AIInstructions string

	// Streaming text generation endpoint.
	LLMHTTPURL string
	LLMAPIKey  string

	// Per-call credential provisioning.
	ProvisionURL    string
	ProvisionAPIKey string
	ProvisionTTL    time.Duration

	// Telephony webhook answers point the carrier at this host.
	PublicHost      string
	TwilioAuthToken string

	// Transcript persistence and fan-out.
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voicelink"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("APP_LOG_FORMAT", "json"),
		AllowAnyOrigin:     false,
		SilenceTimeout:     45 * time.Second,
		MaxCallDuration:    30 * time.Minute,
		SessionIdleTimeout: 2 * time.Minute,
		FirstAudioSLO:      700 * time.Millisecond,
		FrameQueueCapacity: 256,
		// RMS over 16-bit samples; tuned for G.711 telephone audio.
		ActivityThreshold: 900,
		ActivityWindow:    5,
		PartialMinChars:   3,
		AIWebsocketURL:    envOrDefault("AI_WS_URL", "wss://api.openai.com/v1/realtime"),
		AIModel:           envOrDefault("AI_MODEL", "gpt-4o-realtime-preview"),
		AIVoice:           envOrDefault("AI_VOICE", "alloy"),
		AIInstructions:    envOrDefault("AI_INSTRUCTIONS", ""),
		LLMHTTPURL:        envOrDefault("LLM_HTTP_URL", "https://api.openai.com/v1/responses"),
		LLMAPIKey:         stringsTrimSpace("LLM_API_KEY"),
		ProvisionURL:      stringsTrimSpace("PROVISION_URL"),
		ProvisionAPIKey:   stringsTrimSpace("PROVISION_API_KEY"),
		ProvisionTTL:      60 * time.Second,
		PublicHost:        stringsTrimSpace("APP_PUBLIC_HOST"),
		TwilioAuthToken:   stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		KafkaTopic:        envOrDefault("KAFKA_TRANSCRIPT_TOPIC", "voice.transcripts"),
		ShutdownTimeout:   15 * time.Second,
	}
	if brokers := stringsTrimSpace("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("APP_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCallDuration, err = durationFromEnv("APP_MAX_CALL_DURATION", cfg.MaxCallDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.ProvisionTTL, err = durationFromEnv("PROVISION_TTL", cfg.ProvisionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameQueueCapacity, err = intFromEnv("APP_FRAME_QUEUE_CAPACITY", cfg.FrameQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityWindow, err = intFromEnv("APP_ACTIVITY_WINDOW", cfg.ActivityWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.PartialMinChars, err = intFromEnv("APP_PARTIAL_MIN_CHARS", cfg.PartialMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityThreshold, err = floatFromEnv("APP_ACTIVITY_THRESHOLD", cfg.ActivityThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SilenceTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SILENCE_TIMEOUT must be at least 5s")
	}
	if cfg.MaxCallDuration < time.Minute {
		return Config{}, fmt.Errorf("APP_MAX_CALL_DURATION must be at least 1m")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.FrameQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_FRAME_QUEUE_CAPACITY must be positive")
	}
	if cfg.ActivityWindow <= 0 {
		return Config{}, fmt.Errorf("APP_ACTIVITY_WINDOW must be positive")
	}
	if cfg.ActivityThreshold < 0 {
		return Config{}, fmt.Errorf("APP_ACTIVITY_THRESHOLD must be >= 0")
	}
	if cfg.PartialMinChars < 0 {
		return Config{}, fmt.Errorf("APP_PARTIAL_MIN_CHARS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
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
