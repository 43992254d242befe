package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
	"github.com/ent0n29/kioskvoice/internal/playback"
	"github.com/ent0n29/kioskvoice/internal/protocol"
)

// chunkedGenerator emits a WAV header followed by PCM in fixed chunks, with a
// per-chunk delay taken from a precomputed schedule.
type chunkedGenerator struct {
	pcm    map[string][]byte
	delays map[string][]time.Duration
	chunk  int
}

func (g *chunkedGenerator) Generate(ctx context.Context, text string, w AudioWriter) error {
	pcm := g.pcm[text]
	w.SetTotalBytes(int64(audio.WAVHeaderSize + len(pcm)))
	if err := w.Write(audio.WAVHeader(audio.DefaultFormat(), len(pcm))); err != nil {
		return err
	}
	delays := g.delays[text]
	for i := 0; len(pcm) > 0; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
		n := min(g.chunk, len(pcm))
		if err := w.Write(pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

// pump delivers sender frames to a player the way the device websocket
// reader does.
func pump(t *testing.T, ctx context.Context, frames <-chan any, player *playback.Player) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if chunk, ok := f.(protocol.BinaryChunk); ok {
				_ = player.HandleBinary(chunk)
				continue
			}
			raw, err := json.Marshal(f)
			if err != nil {
				t.Errorf("json.Marshal() error = %v", err)
				return
			}
			if _, err := player.HandleText(raw); err != nil {
				t.Errorf("HandleText() error = %v", err)
				return
			}
		}
	}
}

func TestDeliveryPlaysInterleavedPhrasesInOrder(t *testing.T) {
	format := audio.DefaultFormat()
	sizes := map[string]int{"p1": 3 * 1024, "p2": 5 * 1024, "p3": 2 * 1024}
	order := []string{"p1", "p2", "p3"}
	const chunk = 512

	rng := rand.New(rand.NewSource(7))
	gen := &chunkedGenerator{
		pcm:    map[string][]byte{},
		delays: map[string][]time.Duration{},
		chunk:  chunk,
	}
	var (
		want       []byte
		genMax     time.Duration
		drainTotal time.Duration
	)
	cfg := playback.Config{
		Slots:          4,
		SlotCapacity:   64 * 1024,
		MemoryBudget:   4 * 64 * 1024,
		HeaderSize:     audio.WAVHeaderSize,
		MinBufferBytes: 1024,
		BurstBytes:     256,
		DrainMargin:    20 * time.Millisecond,
	}
	for i, name := range order {
		pcm := audio.SineTone(format, 220*float64(i+1), format.Duration(sizes[name]), 0.4)
		if len(pcm) != sizes[name] {
			t.Fatalf("tone %s = %d bytes, want %d", name, len(pcm), sizes[name])
		}
		gen.pcm[name] = pcm
		want = append(want, pcm...)

		var total time.Duration
		for j := 0; j < sizes[name]/chunk; j++ {
			d := time.Duration(rng.Intn(51)) * time.Millisecond
			gen.delays[name] = append(gen.delays[name], d)
			total += d
		}
		genMax = max(genMax, total)
		drainTotal += playback.DrainDelay(sizes[name], format, cfg.DrainMargin)
	}

	frames := make(chan any, 256)
	sender := NewSender(frames, SenderConfig{Window: cfg.Slots, ChunkBytes: 4096}, nil)

	finished := make(chan struct{}, 1)
	sink := playback.NewBufferSink(format)
	player, err := playback.NewPlayer(cfg, sink, playback.Hooks{
		OnStreamPlayed: func(uint64, int, bool) { sender.Release() },
		OnTurnFinished: func() {
			select {
			case finished <- struct{}{}:
			default:
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewPlayer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = sender.Run(ctx) }()
	go func() { _ = player.Run(ctx) }()
	go pump(t, ctx, frames, player)

	sched := NewScheduler(sender, gen, SchedulerConfig{Stagger: 20 * time.Millisecond, Format: format}, nil)
	started := time.Now()
	results := sched.Schedule(ctx, order)
	for _, r := range results {
		if r.Outcome != OutcomeCompleted {
			t.Fatalf("phrase %d outcome = %s err=%v", r.Index, r.Outcome, r.Err)
		}
	}

	// The turn may finish between phrases if one stalls; wait for the queue
	// to settle with every byte played.
	deadline := time.After(5 * time.Second)
	for len(sink.Bytes()) < len(want) || player.Count() > 0 || player.State() != playback.StateIdle {
		select {
		case <-finished:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("playback incomplete: %d of %d bytes, state=%s count=%d",
				len(sink.Bytes()), len(want), player.State(), player.Count())
		}
	}
	elapsed := time.Since(started)

	if !bytes.Equal(sink.Bytes(), want) {
		t.Fatalf("played audio is not the ordered concatenation of the phrases")
	}
	bound := genMax + drainTotal + 3*20*time.Millisecond + 400*time.Millisecond
	if elapsed > bound {
		t.Fatalf("elapsed = %v, want <= %v (slowest generation %v + drains %v)", elapsed, bound, genMax, drainTotal)
	}
	stats := player.Stats()
	if stats.Started != 3 || stats.Completed != 3 || stats.Rejected != 0 || stats.BytesDropped != 0 {
		t.Fatalf("receiver stats = %+v", stats)
	}
}

func TestDeliveryAbortedQueuedStreamReturnsCredit(t *testing.T) {
	format := audio.DefaultFormat()
	cfg := playback.Config{
		Slots:          2,
		SlotCapacity:   16 * 1024,
		MemoryBudget:   2 * 16 * 1024,
		HeaderSize:     audio.WAVHeaderSize,
		MinBufferBytes: 256,
		BurstBytes:     256,
		// Keeps stream 1 at the head for the whole test.
		DrainMargin: 5 * time.Second,
	}
	frames := make(chan any, 64)
	sender := NewSender(frames, SenderConfig{Window: cfg.Slots}, nil)

	var (
		mu      sync.Mutex
		aborted []uint64
	)
	player, err := playback.NewPlayer(cfg, playback.NewBufferSink(format), playback.Hooks{
		OnStreamPlayed: func(id uint64, _ int, wasAborted bool) {
			if wasAborted {
				mu.Lock()
				aborted = append(aborted, id)
				mu.Unlock()
			}
			sender.Release()
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewPlayer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = sender.Run(ctx) }()
	go func() { _ = player.Run(ctx) }()
	go pump(t, ctx, frames, player)

	body := append(audio.WAVHeader(format, 1024), make([]byte, 1024)...)
	first, _ := sender.Open(format)
	_ = first.Write(body)
	_ = first.Complete()
	queued, _ := sender.Open(format)
	_ = queued.Write(body)
	_ = queued.Fail(errors.New("tts failed"))

	waitFor(t, "stream 2 aborted", func() bool {
		return player.Stats().Aborted == 1
	})
	mu.Lock()
	got := append([]uint64(nil), aborted...)
	mu.Unlock()
	if len(got) != 1 || got[0] != queued.ID() {
		t.Fatalf("aborted reports = %v, want [%d]", got, queued.ID())
	}

	// Stream 1 is still draining, so the device holds two streams only if
	// the aborted one gave its credit back.
	third, _ := sender.Open(format)
	_ = third.Write(body)
	fourth, _ := sender.Open(format)
	_ = fourth.Write(body)
	waitFor(t, "second queued stream", func() bool {
		return player.Count() == 2
	})
	if stats := player.Stats(); stats.Started != 3 || stats.Rejected != 0 {
		t.Fatalf("receiver stats = %+v, want streams 1 2 3 started", stats)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
