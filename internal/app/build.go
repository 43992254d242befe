// Package app assembles the producer from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/kioskvoice/internal/brain"
	"github.com/ent0n29/kioskvoice/internal/bus"
	"github.com/ent0n29/kioskvoice/internal/config"
	"github.com/ent0n29/kioskvoice/internal/httpapi"
	"github.com/ent0n29/kioskvoice/internal/journal"
	"github.com/ent0n29/kioskvoice/internal/observability"
	"github.com/ent0n29/kioskvoice/internal/protocol"
	"github.com/ent0n29/kioskvoice/internal/session"
	"github.com/ent0n29/kioskvoice/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
	VoiceID  string
	ModelID  string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup releases the journal, the bus connection and the tracer.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:     cfg.OTelExporter,
		OTLPEndpoint: cfg.OTelEndpoint,
		ServiceName:  "kioskvoice",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	var cleanups []func(context.Context) error
	cleanups = append(cleanups, shutdownTracing)
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup(context.Background())
		return nil, err
	}

	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("journal store init failed: %w", err))
	}
	cleanups = append(cleanups, func(context.Context) error { return store.Close() })

	var publisher bus.Publisher = bus.NopPublisher{}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, logger)
		if err != nil {
			return fail(fmt.Errorf("nats init failed: %w", err))
		}
		publisher = nc
		cleanups = append(cleanups, func(context.Context) error { nc.Close(); return nil })
	}

	responder, err := brain.NewResponder(brain.Config{
		Provider:     cfg.LLMProvider,
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: cfg.LLMSystemPrompt,
		EchoText:     cfg.MockResponseText,
	})
	if err != nil {
		return fail(fmt.Errorf("llm responder init failed: %w", err))
	}

	voiceSetup, err := resolveVoiceProviders(cfg, metrics)
	if err != nil {
		return fail(err)
	}
	// Status handlers report the backend actually in use.
	cfg.TTSProvider = voiceSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orchestrator := voice.NewOrchestrator(sessions, responder, voiceSetup.sttProvider, voiceSetup.ttsProvider, store, publisher, metrics,
		voice.OrchestratorConfig{
			VoiceID:           cfg.ElevenLabsTTSVoice,
			ModelID:           cfg.ElevenLabsTTSModel,
			Format:            voiceSetup.format,
			DefaultWindow:     cfg.DeviceQueueSlots,
			ChunkBytes:        cfg.AudioChunkBytes,
			StrictOrder:       cfg.PhraseStrictOrder,
			Stagger:           cfg.PhraseStagger,
			GenerationTimeout: cfg.TTSGenerationTimeout,
			MinWords:          cfg.PhraseMinWords,
			MaxWords:          cfg.PhraseMaxWords,
			SystemPrompt:      cfg.LLMSystemPrompt,
			HistoryMessages:   cfg.LLMHistory,
			TranscriptTimeout: cfg.TranscriptTimeout,
		}, logger)

	api := httpapi.New(cfg, sessions, orchestrator, store, publisher, metrics, logger)
	orchestrator.SetSupersedeHook(func(sessionID string) {
		api.Disconnect(sessionID, protocol.CodeSuperseded)
	})

	logger.Info("producer assembled",
		slog.String("voice", voiceSetup.detail),
		slog.String("journal", fmt.Sprintf("%T", store)),
		slog.Bool("nats", cfg.NATSURL != ""),
		slog.String("tracing", cfg.OTelExporter),
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
			VoiceID:  cfg.ElevenLabsTTSVoice,
			ModelID:  cfg.ElevenLabsTTSModel,
		},
		Cleanup: cleanup,
	}, nil
}
