package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

// State is the drainer's playback state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateWriting
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateWriting:
		return "writing"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// waitForChange tells Run to sleep until the queue changes or the drainer is
// kicked.
const waitForChange time.Duration = -1

// Hooks receive drainer progress. They run on the drainer goroutine after
// its lock is released, and must not block for long.
type Hooks struct {
	// OnStreamStarted fires when the first burst of a stream is written.
	OnStreamStarted func(id uint64)
	// OnStreamPlayed fires after a stream drained and was released, and
	// for an aborted stream that was released before it reached the head.
	OnStreamPlayed func(id uint64, audioBytes int, aborted bool)
	// OnTurnFinished fires when the last queued stream has been released.
	OnTurnFinished func()
	// OnStreamRejected fires when the receiver refuses a stream_start.
	OnStreamRejected func(id uint64, reason string)
}

// Drainer plays the queue's head slot to the sink. It is the only writer to
// the sink while a stream is playing.
type Drainer struct {
	queue  *Queue
	sink   Sink
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	streamID   uint64
	format     audio.Format
	offset     int
	written    int
	started    bool
	drainUntil time.Time
	burst      []byte

	kick chan struct{}
	now  func() time.Time
}

func NewDrainer(queue *Queue, sink Sink, cfg Config, hooks Hooks, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		queue:  queue,
		sink:   sink,
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With(slog.String("component", "drainer")),
		burst:  make([]byte, cfg.BurstBytes),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (d *Drainer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run drives the state machine until ctx is done. It sleeps while there is
// nothing to write and wakes on queue changes or when a drain timer fires.
func (d *Drainer) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		wait := d.step(d.now())
		if wait == 0 {
			select {
			case <-ctx.Done():
				d.Reset()
				return ctx.Err()
			default:
			}
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			d.Reset()
			return ctx.Err()
		case <-d.queue.Changed():
		case <-d.kick:
		case <-timerC:
		}
		if wait > 0 && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Reset silences the sink and returns to idle with an empty queue. When it
// returns no sink write is in flight.
func (d *Drainer) Reset() {
	d.mu.Lock()
	d.queue.Clear()
	if err := d.sink.Stop(); err != nil {
		d.logger.Warn("sink stop failed", slog.String("error", err.Error()))
	}
	prev := d.state
	d.enterIdleLocked()
	d.mu.Unlock()

	if prev != StateIdle {
		d.logger.Info("playback reset", slog.String("from", prev.String()))
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// step performs at most one transition or one burst write and returns how
// long the caller may wait before stepping again.
func (d *Drainer) step(now time.Time) time.Duration {
	var notify []func()
	d.mu.Lock()
	wait := d.stepLocked(now, &notify)
	d.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
	return wait
}

func (d *Drainer) stepLocked(now time.Time, notify *[]func()) time.Duration {
	switch d.state {
	case StateIdle:
		if !d.queue.HasStreams() {
			return waitForChange
		}
		d.enterBufferingLocked()
		return 0

	case StateBuffering:
		info, ok := d.queue.Current()
		if !ok {
			d.enterIdleLocked()
			return waitForChange
		}
		if info.ID != d.streamID {
			d.enterBufferingLocked()
			return 0
		}
		if info.Aborted {
			d.enterDrainingLocked(now)
			return 0
		}
		buffered := info.Size - d.cfg.HeaderSize
		if buffered >= d.cfg.MinBufferBytes || info.Complete {
			d.format = info.Format
			d.state = StateWriting
			return 0
		}
		return waitForChange

	case StateWriting:
		info, ok := d.queue.Current()
		if !ok || info.ID != d.streamID {
			d.enterBufferingLocked()
			return 0
		}
		if info.Aborted {
			d.enterDrainingLocked(now)
			return 0
		}
		if d.offset < info.Size {
			d.writeBurstLocked(notify)
			return 0
		}
		if info.Complete {
			d.enterDrainingLocked(now)
			return d.drainUntil.Sub(now)
		}
		// Caught up with an incomplete stream: hold position until more
		// bytes arrive.
		return waitForChange

	case StateDraining:
		if remaining := d.drainUntil.Sub(now); remaining > 0 {
			return remaining
		}
		id, written := d.streamID, d.written
		info, _ := d.queue.Current()
		aborted := info.ID == id && info.Aborted
		d.queue.Advance()
		if d.hooks.OnStreamPlayed != nil {
			played := d.hooks.OnStreamPlayed
			*notify = append(*notify, func() { played(id, written, aborted) })
		}
		d.logger.Debug("stream played",
			slog.Uint64("stream_id", id),
			slog.Int("audio_bytes", written),
			slog.Bool("aborted", aborted),
		)
		if d.queue.HasStreams() {
			d.enterBufferingLocked()
			return 0
		}
		d.enterIdleLocked()
		if d.hooks.OnTurnFinished != nil {
			*notify = append(*notify, d.hooks.OnTurnFinished)
		}
		return waitForChange
	}
	return waitForChange
}

func (d *Drainer) writeBurstLocked(notify *[]func()) {
	n := d.queue.ReadAt(d.streamID, d.burst, d.offset)
	if n == 0 {
		return
	}
	wrote, err := d.sink.Write(d.burst[:n])
	if err != nil {
		// A failing output must not wedge the stream; skip the burst.
		d.logger.Warn("sink write failed",
			slog.Uint64("stream_id", d.streamID),
			slog.String("error", err.Error()),
		)
		wrote = n
	}
	if wrote <= 0 {
		return
	}
	d.offset += wrote
	d.written += wrote
	if !d.started {
		d.started = true
		if d.hooks.OnStreamStarted != nil {
			id, started := d.streamID, d.hooks.OnStreamStarted
			*notify = append(*notify, func() { started(id) })
		}
	}
}

func (d *Drainer) enterBufferingLocked() {
	info, ok := d.queue.Current()
	if !ok {
		d.enterIdleLocked()
		return
	}
	d.state = StateBuffering
	d.streamID = info.ID
	d.format = info.Format
	d.offset = d.cfg.HeaderSize
	d.written = 0
	d.started = false
	d.drainUntil = time.Time{}
}

func (d *Drainer) enterDrainingLocked(now time.Time) {
	d.state = StateDraining
	d.drainUntil = now.Add(DrainDelay(d.written, d.format, d.cfg.DrainMargin))
}

func (d *Drainer) enterIdleLocked() {
	d.state = StateIdle
	d.streamID = 0
	d.format = audio.Format{}
	d.offset = 0
	d.written = 0
	d.started = false
	d.drainUntil = time.Time{}
}
