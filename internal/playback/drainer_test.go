package playback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

type drainHarness struct {
	cfg     Config
	queue   *Queue
	sink    *BufferSink
	drainer *Drainer
	now     time.Time

	mu       sync.Mutex
	played   []uint64
	finished int
	started  []uint64
}

func newDrainHarness(t *testing.T, cfg Config) *drainHarness {
	t.Helper()
	h := &drainHarness{
		cfg:   cfg,
		queue: NewQueue(cfg),
		sink:  NewBufferSink(audio.DefaultFormat()),
		now:   time.Unix(1700000000, 0),
	}
	hooks := Hooks{
		OnStreamStarted: func(id uint64) {
			h.mu.Lock()
			h.started = append(h.started, id)
			h.mu.Unlock()
		},
		OnStreamPlayed: func(id uint64, _ int, _ bool) {
			h.mu.Lock()
			h.played = append(h.played, id)
			h.mu.Unlock()
		},
		OnTurnFinished: func() {
			h.mu.Lock()
			h.finished++
			h.mu.Unlock()
		},
	}
	h.drainer = NewDrainer(h.queue, h.sink, cfg, hooks, nil)
	return h
}

// settle steps until the drainer wants to wait, and returns that wait.
func (h *drainHarness) settle(t *testing.T) time.Duration {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if wait := h.drainer.step(h.now); wait != 0 {
			return wait
		}
	}
	t.Fatalf("drainer never settled")
	return 0
}

// finish advances the fake clock through drain delays until idle.
func (h *drainHarness) finish(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		wait := h.settle(t)
		if wait < 0 {
			return
		}
		h.now = h.now.Add(wait)
	}
	t.Fatalf("drainer did not go idle")
}

func (h *drainHarness) push(t *testing.T, id uint64, payload []byte, complete bool) {
	t.Helper()
	if err := h.queue.StartNewStream(id, audio.DefaultFormat(), nil); err != nil {
		t.Fatalf("StartNewStream(%d) error = %v", id, err)
	}
	stream := append(audio.WAVHeader(audio.DefaultFormat(), len(payload)), payload...)
	if _, err := h.queue.AddData(stream); err != nil {
		t.Fatalf("AddData(%d) error = %v", id, err)
	}
	if complete {
		h.queue.CompleteCurrentStream()
	}
}

func TestDrainDelay(t *testing.T) {
	format := audio.DefaultFormat()
	if got := DrainDelay(32000, format, 150*time.Millisecond); got != 1150*time.Millisecond {
		t.Fatalf("DrainDelay(32000) = %v, want 1.15s", got)
	}
	if got := DrainDelay(0, format, 150*time.Millisecond); got != 0 {
		t.Fatalf("DrainDelay(0) = %v, want 0", got)
	}

	for _, size := range []int{100, 3 * 1024, 5 * 1024, 2 * 1024, 12344} {
		want := time.Duration(float64(size)/2/16000*float64(time.Second)) + 150*time.Millisecond
		got := DrainDelay(size, format, 150*time.Millisecond)
		if diff := got - want; diff < -time.Microsecond || diff > time.Microsecond {
			t.Fatalf("DrainDelay(%d) = %v, want %v", size, got, want)
		}
	}
}

func TestDrainerShortIncompletePhraseWaitsForThreshold(t *testing.T) {
	h := newDrainHarness(t, testConfig())
	h.push(t, 1, pattern(100, 1), false)

	if wait := h.settle(t); wait != waitForChange {
		t.Fatalf("wait = %v, want block", wait)
	}
	if got := h.drainer.State(); got != StateBuffering {
		t.Fatalf("State() = %v, want buffering", got)
	}
	if got := len(h.sink.Bytes()); got != 0 {
		t.Fatalf("sink received %d bytes before threshold", got)
	}
}

func TestDrainerShortCompletePhraseStartsImmediately(t *testing.T) {
	h := newDrainHarness(t, testConfig())
	payload := pattern(100, 1)
	h.push(t, 1, payload, true)

	wait := h.settle(t)
	if got := h.drainer.State(); got != StateDraining {
		t.Fatalf("State() = %v, want draining", got)
	}
	want := DrainDelay(100, audio.DefaultFormat(), h.cfg.DrainMargin)
	if wait != want {
		t.Fatalf("drain wait = %v, want %v", wait, want)
	}
	if !bytes.Equal(h.sink.Bytes(), payload) {
		t.Fatalf("sink bytes mismatch: got %d bytes, want %d (header must be skipped)", len(h.sink.Bytes()), len(payload))
	}

	// Not yet: the drain delay has not elapsed.
	h.now = h.now.Add(wait - time.Millisecond)
	if got := h.drainer.step(h.now); got != time.Millisecond {
		t.Fatalf("remaining drain = %v, want 1ms", got)
	}
	if h.queue.Count() != 1 {
		t.Fatalf("slot released before drain delay elapsed")
	}

	h.now = h.now.Add(time.Millisecond)
	h.finish(t)
	if h.drainer.State() != StateIdle || h.queue.Count() != 0 {
		t.Fatalf("state=%v count=%d, want idle and empty", h.drainer.State(), h.queue.Count())
	}
	if h.finished != 1 || len(h.played) != 1 || h.played[0] != 1 {
		t.Fatalf("played=%v finished=%d, want [1] and 1", h.played, h.finished)
	}
}

func TestDrainerStartsAtThreshold(t *testing.T) {
	cfg := testConfig()
	h := newDrainHarness(t, cfg)
	if err := h.queue.StartNewStream(1, audio.DefaultFormat(), nil); err != nil {
		t.Fatalf("StartNewStream() error = %v", err)
	}
	_, _ = h.queue.AddData(audio.WAVHeader(audio.DefaultFormat(), -1))
	_, _ = h.queue.AddData(pattern(cfg.MinBufferBytes-1, 1))

	h.settle(t)
	if h.drainer.State() != StateBuffering {
		t.Fatalf("State() = %v one byte under threshold, want buffering", h.drainer.State())
	}

	_, _ = h.queue.AddData([]byte{9})
	h.settle(t)
	if h.drainer.State() != StateWriting {
		t.Fatalf("State() = %v at threshold, want writing", h.drainer.State())
	}
	if got := len(h.sink.Bytes()); got != cfg.MinBufferBytes {
		t.Fatalf("sink got %d bytes, want %d", got, cfg.MinBufferBytes)
	}
}

func TestDrainerStallsOnHeadInsteadOfSkipping(t *testing.T) {
	cfg := testConfig()
	h := newDrainHarness(t, cfg)
	first := pattern(cfg.MinBufferBytes, 1)
	h.push(t, 1, first, false)

	if wait := h.settle(t); wait != waitForChange {
		t.Fatalf("wait = %v, want block while stalled", wait)
	}
	if h.drainer.State() != StateWriting {
		t.Fatalf("State() = %v, want writing (stalled)", h.drainer.State())
	}

	// The rest of stream 1 arrives, then streams 2 and 3.
	rest := pattern(200, 2)
	_, _ = h.queue.AddData(rest)
	h.queue.CompleteCurrentStream()
	second := pattern(300, 3)
	third := pattern(50, 4)
	h.push(t, 2, second, true)
	h.push(t, 3, third, true)

	h.finish(t)

	var want []byte
	want = append(want, first...)
	want = append(want, rest...)
	want = append(want, second...)
	want = append(want, third...)
	if !bytes.Equal(h.sink.Bytes(), want) {
		t.Fatalf("playback order mismatch: got %d bytes, want %d", len(h.sink.Bytes()), len(want))
	}
	if len(h.played) != 3 || h.played[0] != 1 || h.played[1] != 2 || h.played[2] != 3 {
		t.Fatalf("played = %v, want [1 2 3]", h.played)
	}
	if h.finished != 1 {
		t.Fatalf("turn finished %d times, want 1", h.finished)
	}
	if len(h.started) != 3 {
		t.Fatalf("started = %v, want three streams", h.started)
	}
}

func TestDrainerWindsDownAbortedHead(t *testing.T) {
	cfg := testConfig()
	h := newDrainHarness(t, cfg)
	h.push(t, 1, pattern(cfg.MinBufferBytes, 1), false)
	h.settle(t)

	if _, err := h.queue.AbortStream(1); err != nil {
		t.Fatalf("AbortStream() error = %v", err)
	}
	// Late bytes for the aborted stream are refused.
	if _, err := h.queue.AddData([]byte{1, 2, 3}); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("AddData after abort error = %v, want ErrNoActiveStream", err)
	}
	h.finish(t)
	if h.drainer.State() != StateIdle || h.queue.Count() != 0 {
		t.Fatalf("state=%v count=%d, want idle and empty", h.drainer.State(), h.queue.Count())
	}
	if got := len(h.sink.Bytes()); got != cfg.MinBufferBytes {
		t.Fatalf("sink got %d bytes, want %d", got, cfg.MinBufferBytes)
	}
}

func TestDrainerResetFromEveryState(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		state State
		reach func(t *testing.T, h *drainHarness)
	}{
		{StateIdle, func(t *testing.T, h *drainHarness) {}},
		{StateBuffering, func(t *testing.T, h *drainHarness) {
			h.push(t, 1, pattern(10, 1), false)
			h.settle(t)
		}},
		{StateWriting, func(t *testing.T, h *drainHarness) {
			h.push(t, 1, pattern(cfg.MinBufferBytes, 1), false)
			h.push(t, 2, pattern(10, 2), false)
			h.drainer.step(h.now)
			h.drainer.step(h.now)
			h.drainer.step(h.now)
		}},
		{StateDraining, func(t *testing.T, h *drainHarness) {
			h.push(t, 1, pattern(64, 1), true)
			h.push(t, 2, pattern(64, 2), true)
			h.settle(t)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			h := newDrainHarness(t, cfg)
			tc.reach(t, h)
			if got := h.drainer.State(); got != tc.state {
				t.Fatalf("setup reached %v, want %v", got, tc.state)
			}

			stops := h.sink.Stops()
			h.drainer.Reset()

			if got := h.drainer.State(); got != StateIdle {
				t.Fatalf("State() after reset = %v, want idle", got)
			}
			if got := h.queue.Count(); got != 0 {
				t.Fatalf("Count() after reset = %d, want 0", got)
			}
			if h.sink.Stops() != stops+1 {
				t.Fatalf("sink was not stopped")
			}
			before := len(h.sink.Bytes())
			if wait := h.settle(t); wait != waitForChange {
				t.Fatalf("wait after reset = %v, want block", wait)
			}
			if len(h.sink.Bytes()) != before {
				t.Fatalf("sink written after reset")
			}
		})
	}
}

type shortSink struct {
	*BufferSink
	max int
}

func (s *shortSink) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	return s.BufferSink.Write(p)
}

func TestDrainerRetriesPartialSinkWrites(t *testing.T) {
	cfg := testConfig()
	q := NewQueue(cfg)
	sink := &shortSink{BufferSink: NewBufferSink(audio.DefaultFormat()), max: 10}
	d := NewDrainer(q, sink, cfg, Hooks{}, nil)

	payload := pattern(333, 5)
	_ = q.StartNewStream(1, audio.DefaultFormat(), nil)
	_, _ = q.AddData(append(audio.WAVHeader(audio.DefaultFormat(), len(payload)), payload...))
	q.CompleteCurrentStream()

	now := time.Unix(0, 0)
	for i := 0; i < 1000 && d.State() != StateDraining; i++ {
		d.step(now)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("sink got %d bytes, want %d", len(sink.Bytes()), len(payload))
	}
}

func TestDrainerRunPlaysAndStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.DrainMargin = time.Millisecond
	h := newDrainHarness(t, cfg)
	h.drainer.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.drainer.Run(ctx) }()

	payload := pattern(320, 1)
	h.push(t, 1, payload, true)

	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		finished := h.finished
		h.mu.Unlock()
		if finished == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("turn did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !bytes.Equal(h.sink.Bytes(), payload) {
		t.Fatalf("sink bytes mismatch")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
