package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// FailoverOptions configures NewFailoverProviderPair.
type FailoverOptions struct {
	// FallbackVoiceID and FallbackModelID replace the requested voice when the
	// fallback TTS backend is used.
	FallbackVoiceID string
	FallbackModelID string
	// OnSwitch is called when the active backend changes. kind is "stt" or
	// "tts"; backend is "primary" or "fallback".
	OnSwitch func(kind, backend string)
}

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary backend
// and automatically switch to fallback when primary stream/session startup fails.
// Once fallback succeeds, it stays active until fallback fails; then primary is retried.
// Both providers share one switch so speech in and out use the same backend.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	opts FailoverOptions,
) (STTProvider, TTSProvider) {
	state := &failoverState{onSwitch: opts.OnSwitch}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(opts.FallbackVoiceID),
			fallbackModelID: strings.TrimSpace(opts.FallbackModelID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
	onSwitch       func(kind, backend string)
}

func (s *failoverState) set(kind string, fallback bool) {
	if s.fallbackActive.Swap(fallback) == fallback || s.onSwitch == nil {
		return
	}
	backend := "primary"
	if fallback {
		backend = "fallback"
	}
	s.onSwitch(kind, backend)
}

// startWithFailover tries the active backend first and the other one second.
func startWithFailover[T any](s *failoverState, kind string, primary, fallback func() (T, error)) (T, error) {
	if s.fallbackActive.Load() {
		v, fbErr := fallback()
		if fbErr == nil {
			return v, nil
		}
		v, prErr := primary()
		if prErr == nil {
			s.set(kind, false)
			return v, nil
		}
		var zero T
		return zero, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", kind, fbErr, kind, prErr)
	}

	v, prErr := primary()
	if prErr == nil {
		return v, nil
	}
	v, fbErr := fallback()
	if fbErr != nil {
		var zero T
		return zero, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", kind, prErr, kind, fbErr)
	}
	s.set(kind, true)
	return v, nil
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

type sttStart struct {
	session STTSession
	events  <-chan STTEvent
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, sessionID string) (STTSession, <-chan STTEvent, error) {
	start := func(provider STTProvider) func() (sttStart, error) {
		return func() (sttStart, error) {
			session, events, err := provider.StartSession(ctx, sessionID)
			return sttStart{session: session, events: events}, err
		}
	}
	got, err := startWithFailover(p.state, "stt", start(p.primary), start(p.fallback))
	if err != nil {
		return nil, nil, err
	}
	return got.session, got.events, nil
}

type failoverTTSProvider struct {
	state           *failoverState
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
	fallbackModelID string
}

func (p *failoverTTSProvider) StartStream(
	ctx context.Context,
	voiceID, modelID string,
	settings TTSSettings,
) (TTSStream, error) {
	fallbackVoiceID := voiceID
	if p.fallbackVoiceID != "" {
		fallbackVoiceID = p.fallbackVoiceID
	}
	fallbackModelID := modelID
	if p.fallbackModelID != "" {
		fallbackModelID = p.fallbackModelID
	}
	return startWithFailover(p.state, "tts",
		func() (TTSStream, error) { return p.primary.StartStream(ctx, voiceID, modelID, settings) },
		func() (TTSStream, error) {
			return p.fallback.StartStream(ctx, fallbackVoiceID, fallbackModelID, settings)
		},
	)
}
