package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/reliability"
)

type recordingWriter struct {
	total int64
	buf   bytes.Buffer
}

func (w *recordingWriter) SetTotalBytes(n int64) { w.total = n }

func (w *recordingWriter) Write(p []byte) error {
	w.buf.Write(p)
	return nil
}

func TestSpeechGeneratorWritesSizedWAV(t *testing.T) {
	mock := NewMockProvider()
	mock.WordDuration = 40 * time.Millisecond
	first := 0
	gen := &SpeechGenerator{
		Provider:     mock,
		Format:       audio.DefaultFormat(),
		OnFirstAudio: func() { first++ },
	}

	w := &recordingWriter{}
	if err := gen.Generate(context.Background(), "**Hello** there, visitor.", w); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := mock.Synthesize(sanitizeSpeechText("**Hello** there, visitor."))
	if len(want) == 0 {
		t.Fatalf("mock synthesized no audio")
	}

	got := w.buf.Bytes()
	if len(got) != audio.WAVHeaderSize+len(want) {
		t.Fatalf("stream = %d bytes, want %d", len(got), audio.WAVHeaderSize+len(want))
	}
	if w.total != int64(len(got)) {
		t.Fatalf("total hint = %d, want %d", w.total, len(got))
	}
	if string(got[:4]) != "RIFF" {
		t.Fatalf("stream does not start with a WAV header")
	}
	if size := binary.LittleEndian.Uint32(got[40:44]); int(size) != len(want) {
		t.Fatalf("header data size = %d, want %d", size, len(want))
	}
	if !bytes.Equal(got[audio.WAVHeaderSize:], want) {
		t.Fatalf("pcm payload differs from synthesized audio")
	}
	if first != 1 {
		t.Fatalf("OnFirstAudio calls = %d, want 1", first)
	}
}

func TestSpeechGeneratorRejectsUnspeakableText(t *testing.T) {
	gen := &SpeechGenerator{Provider: NewMockProvider()}
	err := gen.Generate(context.Background(), "  ***  ", &recordingWriter{})
	if !errors.Is(err, ErrEmptyPhrase) {
		t.Fatalf("Generate() error = %v, want ErrEmptyPhrase", err)
	}
}

type scriptedTTSProvider struct {
	events []TTSEvent
}

func (p *scriptedTTSProvider) StartStream(context.Context, string, string, TTSSettings) (TTSStream, error) {
	ch := make(chan TTSEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return &scriptedTTSStream{events: ch}, nil
}

type scriptedTTSStream struct {
	events chan TTSEvent
}

func (s *scriptedTTSStream) SendText(context.Context, string, bool) error { return nil }
func (s *scriptedTTSStream) CloseInput(context.Context) error             { return nil }
func (s *scriptedTTSStream) Events() <-chan TTSEvent                      { return s.events }
func (s *scriptedTTSStream) Close() error                                 { return nil }

func TestSpeechGeneratorStreamingHeaderWithoutSize(t *testing.T) {
	gen := &SpeechGenerator{Provider: &scriptedTTSProvider{events: []TTSEvent{
		{Type: TTSEventAudio, Audio: []byte{1, 2, 3, 4}},
		{Type: TTSEventAudio, Audio: []byte{5, 6}},
		{Type: TTSEventFinal},
	}}}
	w := &recordingWriter{}
	if err := gen.Generate(context.Background(), "hello", w); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if w.total != 0 {
		t.Fatalf("total hint = %d, want unset", w.total)
	}
	got := w.buf.Bytes()
	if size := binary.LittleEndian.Uint32(got[40:44]); size != 0xFFFFFFFF {
		t.Fatalf("header data size = %#x, want streaming sentinel", size)
	}
	if !bytes.Equal(got[audio.WAVHeaderSize:], []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("payload = %v", got[audio.WAVHeaderSize:])
	}
}

func TestSpeechGeneratorReportsProviderError(t *testing.T) {
	gen := &SpeechGenerator{Provider: &scriptedTTSProvider{events: []TTSEvent{
		{Type: TTSEventError, Code: "quota_exceeded", Detail: "out of characters"},
	}}}
	err := gen.Generate(context.Background(), "hello", &recordingWriter{})
	var ttsErr *TTSError
	if !errors.As(err, &ttsErr) || ttsErr.Code != "quota_exceeded" {
		t.Fatalf("Generate() error = %v, want TTSError quota_exceeded", err)
	}
}

func TestSpeechGeneratorDetectsTruncatedStream(t *testing.T) {
	gen := &SpeechGenerator{Provider: &scriptedTTSProvider{events: []TTSEvent{
		{Type: TTSEventAudio, Audio: []byte{1, 2}},
	}}}
	err := gen.Generate(context.Background(), "hello", &recordingWriter{})
	if !errors.Is(err, ErrTTSInterrupted) {
		t.Fatalf("Generate() error = %v, want ErrTTSInterrupted", err)
	}
}

// sequenceTTSProvider plays one script per StartStream call.
type sequenceTTSProvider struct {
	scripts [][]TTSEvent
	calls   int
}

func (p *sequenceTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	script := p.scripts[min(p.calls, len(p.scripts)-1)]
	p.calls++
	return (&scriptedTTSProvider{events: script}).StartStream(ctx, voiceID, modelID, settings)
}

func TestSpeechGeneratorRetriesTransientErrorBeforeAudio(t *testing.T) {
	provider := &sequenceTTSProvider{scripts: [][]TTSEvent{
		{{Type: TTSEventError, Code: "rate_limited", Detail: "slow down", Retryable: true}},
		{{Type: TTSEventAudio, Audio: []byte{1, 2}}, {Type: TTSEventFinal}},
	}}
	gen := &SpeechGenerator{
		Provider:     provider,
		Retries:      1,
		RetryBackoff: reliability.Backoff{Base: time.Millisecond, Cap: time.Millisecond},
	}
	w := &recordingWriter{}
	if err := gen.Generate(context.Background(), "hello", w); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
	if got := w.buf.Bytes(); len(got) != audio.WAVHeaderSize+2 {
		t.Fatalf("stream = %d bytes, want one header and the retried audio", len(got))
	}
}

func TestSpeechGeneratorDoesNotRetryAfterAudioOrPermanentError(t *testing.T) {
	midStream := &sequenceTTSProvider{scripts: [][]TTSEvent{
		{{Type: TTSEventAudio, Audio: []byte{1, 2}}, {Type: TTSEventError, Code: "rate_limited", Retryable: true}},
	}}
	gen := &SpeechGenerator{Provider: midStream, Retries: 3}
	if err := gen.Generate(context.Background(), "hello", &recordingWriter{}); err == nil {
		t.Fatalf("Generate() error = nil, want mid-stream failure")
	}
	if midStream.calls != 1 {
		t.Fatalf("provider calls after mid-stream error = %d, want 1", midStream.calls)
	}

	quota := &sequenceTTSProvider{scripts: [][]TTSEvent{
		{{Type: TTSEventError, Code: "quota_exceeded", Detail: "out of characters"}},
	}}
	gen = &SpeechGenerator{Provider: quota, Retries: 3}
	if err := gen.Generate(context.Background(), "hello", &recordingWriter{}); err == nil {
		t.Fatalf("Generate() error = nil, want quota failure")
	}
	if quota.calls != 1 {
		t.Fatalf("provider calls after permanent error = %d, want 1", quota.calls)
	}
}
