package voice

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/reliability"
	"github.com/ent0n29/kioskvoice/internal/stream"
)

var (
	ErrEmptyPhrase = errors.New("phrase has no speakable text")
	// ErrTTSInterrupted means the provider closed its event stream before a
	// final event.
	ErrTTSInterrupted = errors.New("tts stream ended before final")
)

// SpeechGenerator synthesizes one phrase per call through a TTSProvider and
// writes it as a WAV stream: a 44-byte header first, then PCM as it arrives.
// The header carries the data size when the provider announces it, and the
// streaming sentinel otherwise.
type SpeechGenerator struct {
	Provider TTSProvider
	VoiceID  string
	ModelID  string
	Settings TTSSettings
	Format   audio.Format
	// OnFirstAudio, when set, is called as the first audio of a phrase
	// arrives from the provider.
	OnFirstAudio func()
	// Retries is how many more times a phrase is synthesized after a
	// transient provider error, as long as none of its audio went out yet.
	Retries int
	// RetryBackoff spaces those attempts.
	RetryBackoff reliability.Backoff
}

var _ stream.Generator = (*SpeechGenerator)(nil)

func (g *SpeechGenerator) Generate(ctx context.Context, text string, w stream.AudioWriter) error {
	text = sanitizeSpeechText(text)
	if text == "" {
		return ErrEmptyPhrase
	}

	for attempt := 0; ; attempt++ {
		wrote, err := g.generateOnce(ctx, text, w)
		var ttsErr *TTSError
		if err == nil || wrote || attempt >= g.Retries || !errors.As(err, &ttsErr) || !ttsErr.Retryable {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.RetryBackoff.Delay(attempt)):
		}
	}
}

// generateOnce runs one provider stream. It reports whether anything was
// written to w, after which the phrase can no longer be retried.
func (g *SpeechGenerator) generateOnce(ctx context.Context, text string, w stream.AudioWriter) (bool, error) {
	tts, err := g.Provider.StartStream(ctx, g.VoiceID, g.ModelID, g.Settings)
	if err != nil {
		return false, fmt.Errorf("start tts stream: %w", err)
	}
	defer tts.Close()

	if err := tts.SendText(ctx, text+" ", true); err != nil {
		return false, fmt.Errorf("send tts text: %w", err)
	}
	if err := tts.CloseInput(ctx); err != nil {
		return false, fmt.Errorf("close tts input: %w", err)
	}

	format := g.Format.Normalize()
	headerSent := false
	writeHeader := func(dataSize int64) error {
		headerSent = true
		if dataSize > 0 {
			w.SetTotalBytes(audio.WAVHeaderSize + dataSize)
			return w.Write(audio.WAVHeader(format, int(dataSize)))
		}
		return w.Write(audio.WAVHeader(format, -1))
	}

	events := tts.Events()
	for {
		select {
		case <-ctx.Done():
			return headerSent, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return headerSent, ErrTTSInterrupted
			}
			switch ev.Type {
			case TTSEventAudio:
				if !headerSent {
					if g.OnFirstAudio != nil {
						g.OnFirstAudio()
					}
					if err := writeHeader(ev.TotalBytes); err != nil {
						return true, err
					}
				}
				if err := w.Write(ev.Audio); err != nil {
					return true, err
				}
			case TTSEventFinal:
				if !headerSent {
					return true, writeHeader(0)
				}
				return true, nil
			case TTSEventError:
				return headerSent, &TTSError{Code: ev.Code, Detail: ev.Detail, Retryable: ev.Retryable}
			}
		}
	}
}

// TTSError is a provider-reported synthesis failure.
type TTSError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *TTSError) Error() string {
	if e.Code == "" {
		return "tts error: " + e.Detail
	}
	return fmt.Sprintf("tts error %s: %s", e.Code, e.Detail)
}
