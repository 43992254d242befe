// Package device connects a playback.Player to the producer's /ws/tts
// endpoint and keeps it connected.
package device

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/kioskvoice/internal/playback"
	"github.com/ent0n29/kioskvoice/internal/protocol"
	"github.com/ent0n29/kioskvoice/internal/reliability"
)

const (
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectCap  = 5 * time.Second
	reconnectJitter      = 0.2

	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
	outboundSize = 64
	eventsSize   = 64
)

var (
	ErrNotConnected = errors.New("device not connected")
	// ErrRejected is returned by Run when the producer refuses the
	// handshake with a status that retrying will not fix.
	ErrRejected = errors.New("producer rejected connection")
)

type Config struct {
	// URL is the producer's websocket endpoint, e.g. ws://host:8080/ws/tts.
	URL        string
	DeviceID   string
	SampleRate int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// Client owns one player and the connection that feeds it. Frames the player
// reports (played, rejected, turn finished) go back through a single writer.
type Client struct {
	cfg    Config
	player *playback.Player
	dialer *websocket.Dialer
	logger *slog.Logger

	outbound chan any
	events   chan any

	mu        sync.Mutex
	connected bool
	sessionID string
	timings   map[uint64]*streamTiming

	seq         atomic.Int64
	connections atomic.Int64
}

type streamTiming struct {
	received   time.Time
	firstBurst time.Time
}

func New(cfg Config, playCfg playback.Config, sink playback.Sink, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("device url is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		cfg.ReconnectCap = max(DefaultReconnectCap, cfg.ReconnectBase)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = sink.Format().SampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: writeTimeout},
		logger:   logger.With(slog.String("component", "device"), slog.String("device_id", cfg.DeviceID)),
		outbound: make(chan any, outboundSize),
		events:   make(chan any, eventsSize),
		timings:  make(map[uint64]*streamTiming),
	}
	player, err := playback.NewPlayer(playCfg, sink, playback.Hooks{
		OnStreamStarted: c.markFirstBurst,
		OnStreamPlayed: func(id uint64, bytes int, aborted bool) {
			_ = c.send(c.playedReport(id, bytes, aborted, time.Now()))
		},
		OnTurnFinished: func() {
			_ = c.send(protocol.TurnFinished{Type: protocol.TypeTurnFinished})
		},
		OnStreamRejected: func(id uint64, reason string) {
			c.forgetTiming(id)
			_ = c.send(protocol.StreamRejected{Type: protocol.TypeStreamRejected, StreamID: id, Reason: reason})
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	c.player = player
	return c, nil
}

func (c *Client) Player() *playback.Player { return c.player }

// Events delivers producer frames that do not touch the queue: register_ack,
// turn_end and system_event. Frames are dropped when nobody reads.
func (c *Client) Events() <-chan any { return c.events }

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connections counts successful handshakes.
func (c *Client) Connections() int64 { return c.connections.Load() }

// Run plays audio and keeps the connection up until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.player.Run(ctx)
	}()

	backoff := reliability.Backoff{Base: c.cfg.ReconnectBase, Cap: c.cfg.ReconnectCap, Jitter: reconnectJitter}
	attempt := 0
	for {
		registered, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if registered {
			attempt = 0
		}
		delay := backoff.Delay(attempt)
		attempt++
		c.logger.Warn("device connection lost; reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connectOnce serves a single connection. It reports whether the producer
// acknowledged the registration before the connection ended.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	conn, res, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		if reliability.ClassifyHandshake(status) == reliability.GiveUp {
			return false, fmt.Errorf("%w: status %d", ErrRejected, status)
		}
		return false, err
	}
	c.connections.Add(1)

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
		c.setConnected(false, "")
		// A stream cut off mid-transfer can never complete.
		c.player.Cancel()
		c.mu.Lock()
		clear(c.timings)
		c.mu.Unlock()
	}()

	c.drainOutbound()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(protocol.Register{
		Type:       protocol.TypeRegister,
		DeviceID:   c.cfg.DeviceID,
		QueueSlots: c.player.Slots(),
		SampleRate: c.cfg.SampleRate,
	}); err != nil {
		return false, err
	}
	c.setConnected(true, "")

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	registered := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return registered, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if kind == websocket.BinaryMessage {
			if err := c.player.HandleBinary(data); err != nil {
				c.logger.Debug("binary frame dropped", slog.String("error", err.Error()))
			}
			continue
		}
		msg, err := c.player.HandleText(data)
		if err != nil {
			c.logger.Warn("invalid producer frame", slog.String("error", err.Error()))
			continue
		}
		switch m := msg.(type) {
		case protocol.StreamStart:
			c.markReceived(m.StreamID)
		case protocol.RegisterAck:
			registered = true
			c.setConnected(true, m.SessionID)
			c.logger.Info("device registered",
				slog.String("session_id", m.SessionID),
				slog.Int("queue_slots", m.QueueSlots),
			)
			c.publish(m)
		case protocol.TurnEnd:
			c.publish(m)
		case protocol.SystemEvent:
			switch m.Code {
			case protocol.CodeSessionExpired, protocol.CodeSuperseded:
				c.logger.Warn("producer ended session", slog.String("code", m.Code))
			}
			c.publish(m)
		}
	}
}

func (c *Client) markReceived(id uint64) {
	c.mu.Lock()
	c.timings[id] = &streamTiming{received: time.Now()}
	c.mu.Unlock()
}

func (c *Client) markFirstBurst(id uint64) {
	c.mu.Lock()
	if t := c.timings[id]; t != nil {
		t.firstBurst = time.Now()
	}
	c.mu.Unlock()
}

func (c *Client) forgetTiming(id uint64) {
	c.mu.Lock()
	delete(c.timings, id)
	c.mu.Unlock()
}

// playedReport builds the stream_played frame for id, with its playback
// timings when the stream reached the sink.
func (c *Client) playedReport(id uint64, bytes int, aborted bool, now time.Time) protocol.StreamPlayed {
	msg := protocol.StreamPlayed{
		Type:     protocol.TypeStreamPlayed,
		StreamID: id,
		Aborted:  aborted,
		Bytes:    int64(bytes),
	}
	c.mu.Lock()
	t := c.timings[id]
	delete(c.timings, id)
	if !aborted {
		// The queue plays in id order, so older entries belong to streams
		// the device dropped without a report.
		for other := range c.timings {
			if other < id {
				delete(c.timings, other)
			}
		}
	}
	c.mu.Unlock()
	if t != nil && !t.firstBurst.IsZero() {
		msg.FirstBurstMS = t.firstBurst.Sub(t.received).Milliseconds()
		msg.PlayMS = now.Sub(t.firstBurst).Milliseconds()
	}
	return msg
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Warn("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// SendText asks the producer to answer a typed query.
func (c *Client) SendText(text string) error {
	return c.send(protocol.TextQuery{Type: protocol.TypeTextQuery, Text: text})
}

// StartRecording cancels local playback before telling the producer, so the
// speaker is silent by the time the microphone opens. Frames of the old turn
// still in flight are dropped until the producer acknowledges.
func (c *Client) StartRecording() error {
	if !c.Connected() {
		return ErrNotConnected
	}
	c.player.BargeIn()
	c.seq.Store(0)
	return c.send(protocol.RecordingStart{Type: protocol.TypeRecordingStart})
}

// SendAudio forwards one chunk of microphone PCM16.
func (c *Client) SendAudio(pcm []byte) error {
	return c.send(protocol.AudioChunk{
		Type:        protocol.TypeAudioChunk,
		Seq:         int(c.seq.Add(1)),
		PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  c.cfg.SampleRate,
	})
}

func (c *Client) CompleteRecording() error {
	return c.send(protocol.RecordingComplete{Type: protocol.TypeRecordingComplete})
}

func (c *Client) send(msg any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		c.logger.Warn("outbound queue full; frame dropped")
		return fmt.Errorf("device outbound queue full")
	}
}

// drainOutbound discards frames queued for a previous connection.
func (c *Client) drainOutbound() {
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}

func (c *Client) setConnected(connected bool, sessionID string) {
	c.mu.Lock()
	c.connected = connected
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Client) publish(msg any) {
	select {
	case c.events <- msg:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
