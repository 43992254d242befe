package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
	// SampleRate selects the raw pcm_<rate> output format so audio can be
	// written into streams without transcoding.
	SampleRate int
}

type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	switch cfg.SampleRate {
	case 16000, 22050, 24000, 44100:
	default:
		cfg.SampleRate = audio.DefaultSampleRate
	}
	return &ElevenLabsProvider{cfg: cfg}
}

// Format is the PCM layout of audio events produced by StartStream.
func (p *ElevenLabsProvider) Format() audio.Format {
	return audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1, BytesPerSample: 2}
}

func (p *ElevenLabsProvider) outputFormat() string {
	return "pcm_" + strconv.Itoa(p.cfg.SampleRate)
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	q.Set("include_timestamps", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &elevenSTTSession{conn: conn, done: make(chan struct{}), events: events}
	go s.readLoop()
	return s, events, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, errors.New("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	stability := clampFloat(orDefault(settings.Stability, 0.42), 0, 1)
	similarity := clampFloat(orDefault(settings.SimilarityBoost, 0.85), 0, 1)
	speed := clampFloat(orDefault(settings.Speed, 1.0), 0.7, 1.2)

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", p.outputFormat())
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenTTSStream{conn: conn, done: make(chan struct{}), events: make(chan TTSEvent, 512)}
	go s.readLoop()
	// Prime the stream as documented for TTS websocket flows.
	_ = s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        stability,
			"similarity_boost": similarity,
			"speed":            speed,
		},
	})
	return s, nil
}

// elevenSTTSession and elevenTTSStream share one shutdown rule: only
// readLoop closes events, and Close unblocks it through done.
type elevenSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan STTEvent
}

func (s *elevenSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, sampleRate int, commit bool) error {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": audioBase64,
		"commit":        commit,
		"sample_rate":   sampleRate,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTSession) emit(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		ok := true
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			ok = s.emit(STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()})
		case "committed_transcript", "committed_transcript_with_timestamps":
			ok = s.emit(STTEvent{Type: STTEventCommitted, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()})
		case "session_started", "", "input_audio_chunk":
		default:
			ok = s.emit(STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsTransientProviderCode(messageType),
				Timestamp: time.Now().UnixMilli(),
			})
		}
		if !ok {
			return
		}
	}
}

func (s *elevenSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan TTSEvent
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	payload := map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	}
	return s.writeJSON(payload)
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) emit(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if encoded := asString(raw["audio"]); encoded != "" {
			pcm, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				if !s.emit(TTSEvent{Type: TTSEventError, Code: "invalid_audio", Detail: err.Error()}) {
					return
				}
				continue
			}
			if !s.emit(TTSEvent{Type: TTSEventAudio, Audio: pcm}) {
				return
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			if !s.emit(TTSEvent{Type: TTSEventFinal}) {
				return
			}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			if !s.emit(TTSEvent{Type: TTSEventError, Code: code, Detail: errMsg, Retryable: reliability.IsTransientProviderCode(code)}) {
				return
			}
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
