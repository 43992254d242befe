package playback

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/protocol"
)

// ReceiverStats counts what the receiver did with incoming frames.
type ReceiverStats struct {
	Started      int
	Rejected     int
	Completed    int
	Aborted      int
	BytesStored  int64
	BytesDropped int64
}

// Receiver applies producer frames to the queue. Binary frames belong to
// whichever stream is open for writing.
type Receiver struct {
	queue         *Queue
	defaultFormat audio.Format
	hooks         Hooks
	logger        *slog.Logger

	mu     sync.Mutex
	fenced bool
	stats  ReceiverStats
}

func NewReceiver(queue *Queue, defaultFormat audio.Format, hooks Hooks, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		queue:         queue,
		defaultFormat: defaultFormat.Normalize(),
		hooks:         hooks,
		logger:        logger.With(slog.String("component", "receiver")),
	}
}

// HandleText applies a control frame and returns the decoded message so the
// caller can react to frames that do not touch the queue.
func (r *Receiver) HandleText(raw []byte) (any, error) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	fenced := r.fenced
	if ev, ok := msg.(protocol.SystemEvent); ok && ev.Code == protocol.CodeRecordingAck {
		r.fenced = false
	}
	r.mu.Unlock()

	switch m := msg.(type) {
	case protocol.StreamStart:
		if fenced {
			r.logger.Debug("dropping stream_start from cancelled turn", slog.Uint64("stream_id", m.StreamID))
			return msg, nil
		}
		r.startStream(m)
	case protocol.StreamComplete:
		if fenced {
			return msg, nil
		}
		if err := r.queue.CompleteStream(m.StreamID); err != nil {
			r.logger.Debug("stream_complete ignored", slog.Uint64("stream_id", m.StreamID), slog.String("error", err.Error()))
			return msg, nil
		}
		r.count(func(s *ReceiverStats) { s.Completed++ })
	case protocol.ErrorEvent:
		if fenced {
			return msg, nil
		}
		res, err := r.queue.AbortStream(m.StreamID)
		if err != nil {
			r.logger.Debug("error frame did not match an open stream",
				slog.Uint64("stream_id", m.StreamID),
				slog.String("error", err.Error()),
			)
			return msg, nil
		}
		r.count(func(s *ReceiverStats) { s.Aborted++ })
		r.logger.Warn("producer aborted stream",
			slog.Uint64("stream_id", m.StreamID),
			slog.String("message", m.Message),
			slog.Bool("released", res.Released),
		)
		// A queued slot freed here never reaches the drainer, so report it
		// the way the drainer reports an aborted head.
		if res.Released && r.hooks.OnStreamPlayed != nil {
			r.hooks.OnStreamPlayed(res.ID, 0, true)
		}
	}
	return msg, nil
}

func (r *Receiver) startStream(m protocol.StreamStart) {
	format := audio.Format{
		SampleRate:     m.SampleRate,
		Channels:       m.Channels,
		BytesPerSample: m.BytesPerSample,
	}
	if format.SampleRate <= 0 {
		format.SampleRate = r.defaultFormat.SampleRate
	}
	if format.Channels <= 0 {
		format.Channels = r.defaultFormat.Channels
	}
	if format.BytesPerSample <= 0 {
		format.BytesPerSample = r.defaultFormat.BytesPerSample
	}

	err := r.queue.StartNewStream(m.StreamID, format, m.TotalBytesHint)
	if err == nil {
		r.count(func(s *ReceiverStats) { s.Started++ })
		r.logger.Debug("stream started", slog.Uint64("stream_id", m.StreamID))
		return
	}

	reason := protocol.RejectAllocationFailed
	if errors.Is(err, ErrQueueFull) {
		reason = protocol.RejectQueueFull
	}
	r.count(func(s *ReceiverStats) { s.Rejected++ })
	r.logger.Warn("stream rejected",
		slog.Uint64("stream_id", m.StreamID),
		slog.String("reason", reason),
	)
	if r.hooks.OnStreamRejected != nil {
		r.hooks.OnStreamRejected(m.StreamID, reason)
	}
}

// HandleBinary appends a chunk to the open write stream. Chunks with no open
// stream (rejected, aborted or cancelled) are dropped.
func (r *Receiver) HandleBinary(p []byte) error {
	r.mu.Lock()
	fenced := r.fenced
	r.mu.Unlock()
	if fenced {
		r.count(func(s *ReceiverStats) { s.BytesDropped += int64(len(p)) })
		return nil
	}

	n, err := r.queue.AddData(p)
	dropped := len(p) - n
	r.count(func(s *ReceiverStats) {
		s.BytesStored += int64(n)
		s.BytesDropped += int64(dropped)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSlotOverflow):
		r.logger.Warn("slot overflow", slog.Int("dropped_bytes", dropped), slog.String("error", err.Error()))
		return err
	case errors.Is(err, ErrNoActiveStream):
		r.logger.Debug("chunk without open stream dropped", slog.Int("bytes", len(p)))
		return err
	default:
		return err
	}
}

// Fence drops stream frames until the producer acknowledges the recording
// that caused a local cancel. Frames already in flight belong to the
// cancelled turn.
func (r *Receiver) Fence() {
	r.mu.Lock()
	r.fenced = true
	r.mu.Unlock()
}

// Unfence lifts a fence without an acknowledgement, e.g. on a new connection.
func (r *Receiver) Unfence() {
	r.mu.Lock()
	r.fenced = false
	r.mu.Unlock()
}

func (r *Receiver) Fenced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fenced
}

func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Receiver) count(fn func(*ReceiverStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
