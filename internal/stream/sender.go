package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/protocol"
)

var (
	ErrSenderClosed = errors.New("stream sender closed")
	// ErrStreamClosed is returned for writes after a stream ended or was
	// dropped by Reset.
	ErrStreamClosed = errors.New("stream closed")
)

const DefaultChunkBytes = 4096

type eventKind int

const (
	eventAudio eventKind = iota
	eventComplete
	eventError
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// control is a non-stream frame ordered after every stream opened before it.
type control struct {
	msg     any
	barrier uint64
}

type outStream struct {
	id      uint64
	format  audio.Format
	hint    *int64
	events  []event
	ready   bool
	ended   bool
	dropped bool
	written int64
	sent    int64
}

// SenderConfig tunes a Sender.
type SenderConfig struct {
	// Window is how many streams the device can hold at once.
	Window int
	// ChunkBytes caps the size of one binary frame.
	ChunkBytes int
	// StrictOrder puts streams on the wire in id order. Otherwise the
	// first stream to produce audio goes first.
	StrictOrder bool
}

// Sender multiplexes concurrently generated streams onto one ordered frame
// channel. A stream's frames are never interleaved with another's: once its
// stream_start is sent, its chunks and terminal frame follow before any
// other stream starts. Streams waiting their turn buffer in memory, so
// producers never block on the wire.
type Sender struct {
	out    chan<- any
	cfg    SenderConfig
	logger *slog.Logger

	mu           sync.Mutex
	nextID       uint64
	streams      map[uint64]*outStream
	readyOrder   []uint64
	current      *outStream
	credits      int
	pendingAbort uint64
	controls     []control
	closed       bool

	wake chan struct{}
}

func NewSender(out chan<- any, cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.ChunkBytes < 1 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		out:     out,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "sender")),
		streams: make(map[uint64]*outStream),
		credits: cfg.Window,
		wake:    make(chan struct{}, 1),
	}
}

// Stream is the producer handle for one outgoing stream.
type Stream struct {
	sender *Sender
	st     *outStream
}

// Open registers a new stream. Ids increase monotonically for the life of
// the sender and are never reused.
func (s *Sender) Open(format audio.Format) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSenderClosed
	}
	s.nextID++
	st := &outStream{id: s.nextID, format: format.Normalize()}
	s.streams[st.id] = st
	return &Stream{sender: s, st: st}, nil
}

func (st *Stream) ID() uint64 { return st.st.id }

// SetTotalBytes records the expected stream size. It only has an effect
// before the stream_start frame goes out.
func (st *Stream) SetTotalBytes(n int64) {
	if n < 0 {
		return
	}
	st.sender.mu.Lock()
	st.st.hint = &n
	st.sender.mu.Unlock()
}

// Write queues audio for the stream. It never blocks on the transport.
func (st *Stream) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return st.sender.push(st.st, event{kind: eventAudio, data: append([]byte(nil), p...)})
}

// Complete ends the stream normally.
func (st *Stream) Complete() error {
	return st.sender.push(st.st, event{kind: eventComplete})
}

// Fail ends the stream with an error frame for the device.
func (st *Stream) Fail(err error) error {
	if err == nil {
		err = errors.New("generation failed")
	}
	return st.sender.push(st.st, event{kind: eventError, err: err})
}

// Bytes reports how many audio bytes the producer wrote to the stream.
func (st *Stream) Bytes() int64 {
	st.sender.mu.Lock()
	defer st.sender.mu.Unlock()
	return st.st.written
}

func (s *Sender) push(st *outStream, ev event) error {
	s.mu.Lock()
	if st.dropped || st.ended {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if ev.kind == eventAudio {
		st.written += int64(len(ev.data))
	} else {
		st.ended = true
	}
	st.events = append(st.events, ev)
	if !st.ready {
		st.ready = true
		s.readyOrder = append(s.readyOrder, st.id)
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Release returns one window credit, after the device played or rejected a
// stream.
func (s *Sender) Release() {
	s.mu.Lock()
	if s.credits < s.cfg.Window {
		s.credits++
	}
	s.mu.Unlock()
	s.signal()
}

// SetWindow resizes the credit window, e.g. when a device announces its
// queue size.
func (s *Sender) SetWindow(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.credits += n - s.cfg.Window
	if s.credits < 0 {
		s.credits = 0
	}
	s.cfg.Window = n
	s.mu.Unlock()
	s.signal()
}

// Reset drops every stream that has not finished sending and refills the
// window. A stream cut off mid-send is followed by an error frame so the
// device discards it.
func (s *Sender) Reset() {
	s.mu.Lock()
	for id, st := range s.streams {
		st.dropped = true
		st.events = nil
		delete(s.streams, id)
	}
	if s.current != nil {
		s.pendingAbort = s.current.id
		s.current = nil
	}
	s.readyOrder = nil
	s.credits = s.cfg.Window
	s.mu.Unlock()
	s.signal()
}

// Control queues a non-stream frame. It goes out once every stream opened
// before the call has reached its terminal frame, and before any stream
// opened after it.
func (s *Sender) Control(msg any) {
	s.mu.Lock()
	s.controls = append(s.controls, control{msg: msg, barrier: s.nextID})
	s.mu.Unlock()
	s.signal()
}

// Close stops accepting new streams. Streams already open may still finish,
// and Run returns once they have been sent.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Pending reports streams that have not finished sending.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run relays queued frames to the outbound channel until ctx is done or the
// sender is closed and drained.
func (s *Sender) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		msgs, ok := s.nextLocked()
		done := !ok && s.closed && len(s.streams) == 0 && len(s.controls) == 0
		s.mu.Unlock()

		if done {
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s.out <- msg:
			}
		}
	}
}

// nextLocked returns the next frames to put on the wire, if any are due.
func (s *Sender) nextLocked() ([]any, bool) {
	if s.pendingAbort != 0 {
		id := s.pendingAbort
		s.pendingAbort = 0
		return []any{protocol.ErrorEvent{Type: protocol.TypeError, StreamID: id, Message: "cancelled"}}, true
	}

	if s.current == nil && len(s.controls) > 0 && !s.openBeforeLocked(s.controls[0].barrier) {
		c := s.controls[0]
		s.controls[0] = control{}
		s.controls = s.controls[1:]
		return []any{c.msg}, true
	}

	if s.current == nil {
		st := s.pickLocked()
		if st == nil {
			return nil, false
		}
		if st.events[0].kind == eventError {
			// Failed before producing audio: the device never saw a start,
			// so no window credit is involved.
			s.finishLocked(st)
			return []any{s.errorFrame(st, st.events[0].err)}, true
		}
		if s.credits == 0 {
			return nil, false
		}
		s.credits--
		s.current = st
		start := protocol.StreamStart{
			Type:           protocol.TypeStreamStart,
			StreamID:       st.id,
			TotalBytesHint: st.hint,
			SampleRate:     st.format.SampleRate,
			Channels:       st.format.Channels,
			BytesPerSample: st.format.BytesPerSample,
		}
		s.logger.Debug("stream start", slog.Uint64("stream_id", st.id), slog.Int("credits", s.credits))
		return []any{start}, true
	}

	st := s.current
	if len(st.events) == 0 {
		return nil, false
	}
	ev := st.events[0]
	st.events[0] = event{}
	st.events = st.events[1:]

	switch ev.kind {
	case eventAudio:
		frames := make([]any, 0, len(ev.data)/s.cfg.ChunkBytes+1)
		for data := ev.data; len(data) > 0; {
			n := min(len(data), s.cfg.ChunkBytes)
			frames = append(frames, protocol.BinaryChunk(data[:n]))
			data = data[n:]
		}
		st.sent += int64(len(ev.data))
		return frames, true
	case eventComplete:
		s.finishLocked(st)
		return []any{protocol.StreamComplete{
			Type:             protocol.TypeStreamComplete,
			StreamID:         st.id,
			TotalBytesActual: st.sent,
		}}, true
	default:
		s.finishLocked(st)
		return []any{s.errorFrame(st, ev.err)}, true
	}
}

func (s *Sender) errorFrame(st *outStream, err error) protocol.ErrorEvent {
	s.logger.Warn("stream failed", slog.Uint64("stream_id", st.id), slog.String("error", err.Error()))
	return protocol.ErrorEvent{Type: protocol.TypeError, StreamID: st.id, Message: err.Error()}
}

func (s *Sender) finishLocked(st *outStream) {
	delete(s.streams, st.id)
	st.events = nil
	if s.current == st {
		s.current = nil
	}
	for i, id := range s.readyOrder {
		if id == st.id {
			s.readyOrder = append(s.readyOrder[:i], s.readyOrder[i+1:]...)
			break
		}
	}
}

// openBeforeLocked reports whether a stream with id <= barrier is unfinished.
func (s *Sender) openBeforeLocked(barrier uint64) bool {
	for id := range s.streams {
		if id <= barrier {
			return true
		}
	}
	return false
}

// pickLocked chooses the next stream to start. Streams opened after a queued
// control frame wait for it.
func (s *Sender) pickLocked() *outStream {
	limit := uint64(math.MaxUint64)
	if len(s.controls) > 0 {
		limit = s.controls[0].barrier
	}
	if s.cfg.StrictOrder {
		ids := make([]uint64, 0, len(s.streams))
		for id := range s.streams {
			if id <= limit {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		st := s.streams[ids[0]]
		if !st.ready {
			return nil
		}
		return st
	}
	for _, id := range s.readyOrder {
		if id <= limit {
			return s.streams[id]
		}
	}
	return nil
}
