package voice

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

const (
	mockWordDuration = 160 * time.Millisecond
	mockMinDuration  = 200 * time.Millisecond
	mockChunk        = 100 * time.Millisecond
)

// MockProvider is a local provider used when ElevenLabs is not configured.
// Its TTS speaks a sine tone whose length follows the word count, so audio
// size is known before the first chunk.
type MockProvider struct {
	Format       audio.Format
	WordDuration time.Duration
	// ChunkDelay paces audio events to imitate a remote synthesizer.
	ChunkDelay time.Duration
	// Transcript is what the mock STT commits for any non-empty recording.
	Transcript string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Format:       audio.DefaultFormat(),
		WordDuration: mockWordDuration,
		Transcript:   "simulated voice input",
	}
}

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	s := &mockSTTSession{events: events, transcript: p.Transcript}
	return s, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{
		provider: p,
		events:   make(chan TTSEvent, 16),
		stop:     make(chan struct{}),
	}, nil
}

// Synthesize returns the PCM the mock would stream for text.
func (p *MockProvider) Synthesize(text string) []byte {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil
	}
	perWord := p.WordDuration
	if perWord <= 0 {
		perWord = mockWordDuration
	}
	d := max(time.Duration(words)*perWord, mockMinDuration)
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	freq := 180 + float64(h.Sum32()%8)*45
	return audio.SineTone(p.Format.Normalize(), freq, d, 0.35)
}

type mockSTTSession struct {
	mu         sync.Mutex
	events     chan STTEvent
	transcript string
	chunks     int
	closed     bool
	heard      bool
}

func (s *mockSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if audioBase64 != "" {
		s.chunks++
		s.heard = true
		if s.chunks%8 == 0 {
			s.emit(STTEvent{Type: STTEventPartial, Text: "...", Confidence: 0.5, Timestamp: time.Now().UnixMilli()})
		}
	}
	if commit {
		text := s.transcript
		if !s.heard {
			text = ""
		}
		s.heard = false
		s.emit(STTEvent{Type: STTEventCommitted, Text: text, Confidence: 0.7, Source: "mock_commit", Timestamp: time.Now().UnixMilli()})
	}
	return nil
}

func (s *mockSTTSession) emit(ev STTEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	provider *MockProvider
	events   chan TTSEvent
	stop     chan struct{}

	mu      sync.Mutex
	text    strings.Builder
	started bool
	closed  bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.text.Len() > 0 {
		s.text.WriteByte(' ')
	}
	s.text.WriteString(strings.TrimSpace(text))
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return nil
	}
	s.started = true
	go s.emit(s.provider.Synthesize(s.text.String()))
	return nil
}

func (s *mockTTSStream) emit(pcm []byte) {
	defer close(s.events)
	format := s.provider.Format.Normalize()
	chunk := max(format.BytesFor(mockChunk), format.FrameBytes())
	total := int64(len(pcm))
	for len(pcm) > 0 {
		if s.provider.ChunkDelay > 0 {
			select {
			case <-s.stop:
				return
			case <-time.After(s.provider.ChunkDelay):
			}
		}
		n := min(chunk, len(pcm))
		ev := TTSEvent{Type: TTSEventAudio, Audio: pcm[:n], TotalBytes: total}
		total = 0
		select {
		case <-s.stop:
			return
		case s.events <- ev:
		}
		pcm = pcm[n:]
	}
	select {
	case <-s.stop:
	case s.events <- TTSEvent{Type: TTSEventFinal}:
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	if !s.started {
		close(s.events)
	}
	return nil
}
