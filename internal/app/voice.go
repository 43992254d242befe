package app

import (
	"fmt"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/config"
	"github.com/ent0n29/kioskvoice/internal/observability"
	"github.com/ent0n29/kioskvoice/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	format           audio.Format
	detail           string
}

// resolveVoiceProviders picks the speech backends. ElevenLabs and the mock
// share one PCM format so a failover mid-session stays playable.
func resolveVoiceProviders(cfg config.Config, metrics *observability.Metrics) (voiceSetup, error) {
	mock := func() *voice.MockProvider {
		p := voice.NewMockProvider()
		p.Format = audio.Format{SampleRate: cfg.AudioSampleRate, Channels: 1, BytesPerSample: 2}.Normalize()
		return p
	}
	eleven := func() *voice.ElevenLabsProvider {
		return voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
			SampleRate: cfg.AudioSampleRate,
		})
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return voiceSetup{}, fmt.Errorf("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		p := eleven()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "elevenlabs",
			format:           p.Format(),
			detail:           "elevenlabs realtime",
		}, nil
	case "mock":
		p := mock()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			format:           p.Format,
			detail:           "mock",
		}, nil
	case "auto", "":
		if cfg.ElevenLabsAPIKey == "" {
			p := mock()
			return voiceSetup{
				sttProvider:      p,
				ttsProvider:      p,
				resolvedProvider: "mock",
				format:           p.Format,
				detail:           "mock (no elevenlabs key)",
			}, nil
		}
		primary := eleven()
		fallback := mock()
		fallback.Format = primary.Format()
		stt, tts := voice.NewFailoverProviderPair(primary, primary, fallback, fallback, voice.FailoverOptions{
			OnSwitch: func(kind, backend string) {
				metrics.ProviderFailovers.WithLabelValues(kind, backend).Inc()
			},
		})
		return voiceSetup{
			sttProvider:      stt,
			ttsProvider:      tts,
			resolvedProvider: "elevenlabs",
			format:           primary.Format(),
			detail:           "elevenlabs realtime (automatic mock fallback)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid TTS_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.TTSProvider)
	}
}
