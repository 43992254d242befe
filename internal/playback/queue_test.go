package playback

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

func testConfig() Config {
	return Config{
		Slots:          3,
		SlotCapacity:   audio.WAVHeaderSize + 1024,
		MemoryBudget:   3 * (audio.WAVHeaderSize + 1024),
		HeaderSize:     audio.WAVHeaderSize,
		MinBufferBytes: 256,
		BurstBytes:     128,
		DrainMargin:    10 * time.Millisecond,
	}
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%7)
	}
	return out
}

func TestQueueRejectsStartWhenFull(t *testing.T) {
	cfg := testConfig()
	q := NewQueue(cfg)
	format := audio.DefaultFormat()

	for id := uint64(1); id <= uint64(cfg.Slots); id++ {
		if err := q.StartNewStream(id, format, nil); err != nil {
			t.Fatalf("StartNewStream(%d) error = %v", id, err)
		}
		if _, err := q.AddData(pattern(64, byte(id))); err != nil {
			t.Fatalf("AddData(%d) error = %v", id, err)
		}
		q.CompleteCurrentStream()
	}

	err := q.StartNewStream(99, format, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("StartNewStream on full queue error = %v, want ErrQueueFull", err)
	}
	if got := q.Count(); got != cfg.Slots {
		t.Fatalf("Count() = %d, want %d", got, cfg.Slots)
	}
	if _, err := q.AddData([]byte{1}); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("AddData after rejected start error = %v, want ErrNoActiveStream", err)
	}

	for id := uint64(1); id <= uint64(cfg.Slots); id++ {
		info, ok := q.Current()
		if !ok || info.ID != id || info.Size != 64 || !info.Complete {
			t.Fatalf("head slot = %+v ok=%v, want id=%d size=64 complete", info, ok, id)
		}
		buf := make([]byte, 64)
		if n := q.ReadAt(id, buf, 0); n != 64 || !bytes.Equal(buf, pattern(64, byte(id))) {
			t.Fatalf("slot %d data corrupted after rejected start", id)
		}
		q.Advance()
	}
	if q.HasStreams() {
		t.Fatalf("HasStreams() = true after draining every slot")
	}
}

func TestQueueAllocationFailureIsDistinctFromFull(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryBudget = 2 * cfg.SlotCapacity
	q := NewQueue(cfg)

	for id := uint64(1); id <= 2; id++ {
		if err := q.StartNewStream(id, audio.DefaultFormat(), nil); err != nil {
			t.Fatalf("StartNewStream(%d) error = %v", id, err)
		}
	}
	err := q.StartNewStream(3, audio.DefaultFormat(), nil)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("error = %v, want ErrAllocation", err)
	}
	if errors.Is(err, ErrQueueFull) {
		t.Fatalf("allocation failure must not report ErrQueueFull")
	}
	if got := q.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	q.Advance()
	if err := q.StartNewStream(3, audio.DefaultFormat(), nil); err != nil {
		t.Fatalf("StartNewStream after release error = %v", err)
	}
}

func TestQueueAddDataDropsBytesPastCapacity(t *testing.T) {
	cfg := testConfig()
	q := NewQueue(cfg)
	if err := q.StartNewStream(1, audio.DefaultFormat(), nil); err != nil {
		t.Fatalf("StartNewStream() error = %v", err)
	}

	const extra = 300
	n, err := q.AddData(make([]byte, cfg.SlotCapacity+extra))
	if !errors.Is(err, ErrSlotOverflow) {
		t.Fatalf("AddData() error = %v, want ErrSlotOverflow", err)
	}
	if n != cfg.SlotCapacity {
		t.Fatalf("AddData() stored %d bytes, want %d", n, cfg.SlotCapacity)
	}
	if _, err := q.AddData([]byte{1, 2, 3}); !errors.Is(err, ErrSlotOverflow) {
		t.Fatalf("AddData() on full slot error = %v, want ErrSlotOverflow", err)
	}

	info, _ := q.Current()
	if info.Size != info.Capacity || info.Size != cfg.SlotCapacity {
		t.Fatalf("size = %d capacity = %d, want both %d", info.Size, info.Capacity, cfg.SlotCapacity)
	}
	if info.Dropped != extra+3 {
		t.Fatalf("Dropped = %d, want %d", info.Dropped, extra+3)
	}

	q.CompleteCurrentStream()
	info, _ = q.Current()
	if !info.Complete {
		t.Fatalf("truncated slot should still complete normally")
	}
}

func TestQueueAddDataWithoutStream(t *testing.T) {
	q := NewQueue(testConfig())
	if _, err := q.AddData([]byte{1}); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("error = %v, want ErrNoActiveStream", err)
	}
	q.CompleteCurrentStream()
	if q.HasStreams() {
		t.Fatalf("CompleteCurrentStream with no stream should be a no-op")
	}
}

func TestQueueStartClosesPreviousWriteSlot(t *testing.T) {
	q := NewQueue(testConfig())
	_ = q.StartNewStream(1, audio.DefaultFormat(), nil)
	_, _ = q.AddData([]byte{1, 2})
	_ = q.StartNewStream(2, audio.DefaultFormat(), nil)

	info, _ := q.Current()
	if info.ID != 1 || !info.Complete {
		t.Fatalf("head = %+v, want stream 1 closed", info)
	}
	if id, ok := q.WriteStream(); !ok || id != 2 {
		t.Fatalf("WriteStream() = %d,%v, want 2,true", id, ok)
	}
}

func TestQueueReusesSlotsAroundTheRing(t *testing.T) {
	cfg := testConfig()
	q := NewQueue(cfg)
	for id := uint64(1); id <= 10; id++ {
		if err := q.StartNewStream(id, audio.DefaultFormat(), nil); err != nil {
			t.Fatalf("StartNewStream(%d) error = %v", id, err)
		}
		_, _ = q.AddData(pattern(32, byte(id)))
		q.CompleteCurrentStream()
		info, _ := q.Current()
		if info.ID != id || info.Size != 32 {
			t.Fatalf("head = %+v, want id=%d size=32 (stale data from a reused slot?)", info, id)
		}
		q.Advance()
	}
	if q.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", q.Count())
	}
}

func TestQueueCompleteStreamChecksID(t *testing.T) {
	q := NewQueue(testConfig())
	_ = q.StartNewStream(5, audio.DefaultFormat(), nil)
	if err := q.CompleteStream(6); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("CompleteStream(6) error = %v, want ErrUnknownStream", err)
	}
	if err := q.CompleteStream(5); err != nil {
		t.Fatalf("CompleteStream(5) error = %v", err)
	}
}

func TestQueueAbortStream(t *testing.T) {
	q := NewQueue(testConfig())
	_ = q.StartNewStream(1, audio.DefaultFormat(), nil)
	_, _ = q.AddData(pattern(100, 1))
	q.CompleteCurrentStream()
	_ = q.StartNewStream(2, audio.DefaultFormat(), nil)
	_, _ = q.AddData(pattern(100, 2))

	if _, err := q.AbortStream(1); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("AbortStream(1) error = %v, want ErrUnknownStream", err)
	}
	res, err := q.AbortStream(2)
	if err != nil {
		t.Fatalf("AbortStream(2) error = %v", err)
	}
	if res != (AbortResult{ID: 2, Released: true}) {
		t.Fatalf("AbortStream(2) = %+v, want queued stream 2 released", res)
	}
	if got := q.Count(); got != 1 {
		t.Fatalf("Count() after aborting queued tail = %d, want 1", got)
	}
	info, _ := q.Current()
	if info.ID != 1 || info.Aborted {
		t.Fatalf("head = %+v, want untouched stream 1", info)
	}

	// Aborting the stream that is already at the head keeps it for the
	// drainer to wind down.
	q.Advance()
	_ = q.StartNewStream(3, audio.DefaultFormat(), nil)
	_, _ = q.AddData(pattern(100, 3))
	res, err = q.AbortStream(0)
	if err != nil {
		t.Fatalf("AbortStream(0) error = %v", err)
	}
	if res != (AbortResult{ID: 3}) {
		t.Fatalf("AbortStream(0) = %+v, want playing stream 3 kept", res)
	}
	info, _ = q.Current()
	if info.ID != 3 || !info.Aborted || !info.Complete {
		t.Fatalf("head = %+v, want aborted stream 3", info)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(testConfig())
	_ = q.StartNewStream(1, audio.DefaultFormat(), nil)
	_, _ = q.AddData(pattern(100, 1))
	q.CompleteCurrentStream()
	_ = q.StartNewStream(2, audio.DefaultFormat(), nil)

	q.Clear()
	if q.HasStreams() || q.Count() != 0 {
		t.Fatalf("queue not empty after Clear: count=%d", q.Count())
	}
	if _, ok := q.WriteStream(); ok {
		t.Fatalf("write slot still open after Clear")
	}
	if _, err := q.AddData([]byte{1}); !errors.Is(err, ErrNoActiveStream) {
		t.Fatalf("AddData after Clear error = %v, want ErrNoActiveStream", err)
	}
	for id := uint64(10); id < 13; id++ {
		if err := q.StartNewStream(id, audio.DefaultFormat(), nil); err != nil {
			t.Fatalf("StartNewStream(%d) after Clear error = %v", id, err)
		}
	}
}

func TestQueueChangedSignals(t *testing.T) {
	q := NewQueue(testConfig())
	_ = q.StartNewStream(1, audio.DefaultFormat(), nil)
	select {
	case <-q.Changed():
	default:
		t.Fatalf("expected change notification after StartNewStream")
	}
	select {
	case <-q.Changed():
		t.Fatalf("notification should coalesce")
	default:
	}
}
