package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.SilenceTimeout != 45*time.Second {
		t.Fatalf("SilenceTimeout = %v, want 45s", cfg.SilenceTimeout)
	}
	if cfg.MaxCallDuration != 30*time.Minute {
		t.Fatalf("MaxCallDuration = %v, want 30m", cfg.MaxCallDuration)
	}
	if cfg.FrameQueueCapacity != 256 {
		t.Fatalf("FrameQueueCapacity = %d, want 256", cfg.FrameQueueCapacity)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("KafkaBrokers = %v, want nil default", cfg.KafkaBrokers)
	}
	if cfg.KafkaTopic != "voice.transcripts" {
		t.Fatalf("KafkaTopic = %q", cfg.KafkaTopic)
	}
}

func TestLoadParsesKafkaBrokerList(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-a:9092" || cfg.KafkaBrokers[1] != "broker-b:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsShortSilenceTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SILENCE_TIMEOUT", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted a 1s silence timeout")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_MAX_CALL_DURATION", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted an unparseable duration")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SILENCE_TIMEOUT",
		"APP_MAX_CALL_DURATION",
		"APP_SESSION_IDLE_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_FRAME_QUEUE_CAPACITY",
		"APP_ACTIVITY_THRESHOLD",
		"APP_ACTIVITY_WINDOW",
		"APP_PARTIAL_MIN_CHARS",
		"APP_PUBLIC_HOST",
		"AI_WS_URL",
		"AI_MODEL",
		"AI_VOICE",
		"AI_INSTRUCTIONS",
		"PROVISION_URL",
		"PROVISION_API_KEY",
		"PROVISION_TTL",
		"TWILIO_AUTH_TOKEN",
		"DATABASE_URL",
		"KAFKA_BROKERS",
		"KAFKA_TRANSCRIPT_TOPIC",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
