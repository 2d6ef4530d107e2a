// Package app assembles the service from configuration: pipeline stages,
// session registry, transcript storage, and the HTTP surface.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicelink/internal/config"
	"github.com/antoniostano/voicelink/internal/httpapi"
	"github.com/antoniostano/voicelink/internal/observability"
	"github.com/antoniostano/voicelink/internal/provision"
	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/stage"
	"github.com/antoniostano/voicelink/internal/transcript"
	"github.com/antoniostano/voicelink/internal/transport"
	"github.com/antoniostano/voicelink/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Latency      *observability.LatencyWindow

	// Cleanup releases external resources (database pool, kafka writer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	var creds provision.Source
	if cfg.ProvisionURL != "" {
		creds = provision.NewClient(cfg.ProvisionURL, cfg.ProvisionAPIKey, cfg.ProvisionTTL)
	} else {
		// Without a provisioning endpoint the pipeline key is used directly.
		creds = provision.NewStatic(cfg.LLMAPIKey)
	}

	realtime := stage.NewRealtimeProvider(stage.RealtimeConfig{
		WSBaseURL:    cfg.AIWebsocketURL,
		Model:        cfg.AIModel,
		Instructions: cfg.AIInstructions,
	}, creds)
	llm := stage.NewStreamingLLM(cfg.LLMHTTPURL, cfg.LLMAPIKey)

	var store transcript.Store
	if cfg.DatabaseURL != "" {
		pg, err := transcript.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("transcript store init failed: %w", err)
		}
		store = pg
	} else {
		store = transcript.NewMemoryStore()
	}

	var sinks []transcript.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, transcript.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	recorder := transcript.NewRecorder(store, logger, sinks...)

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logger.Info().Str("session_id", s.ID).Msg("idle session expired")
	})

	orchestrator := voice.NewOrchestrator(
		voice.Config{
			Instructions:      cfg.AIInstructions,
			SilenceTimeout:    cfg.SilenceTimeout,
			MaxCallDuration:   cfg.MaxCallDuration,
			PartialMinChars:   cfg.PartialMinChars,
			FrameQueueCap:     cfg.FrameQueueCapacity,
			ActivityThreshold: cfg.ActivityThreshold,
			ActivityWindow:    cfg.ActivityWindow,
		},
		sessions,
		realtime,
		llm,
		realtime,
		recorder,
		metrics,
		latency,
		logger,
	)

	browser := transport.NewBrowserHandler(logger)
	api := httpapi.New(cfg, sessions, orchestrator, browser, metrics, latency, logger)

	cleanup := func() error {
		recorder.Close()
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Latency:      latency,
		Cleanup:      cleanup,
	}, nil
}
