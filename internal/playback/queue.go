package playback

import (
	"fmt"
	"sync"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

// slot is one physical entry of the ring. The backing array survives
// release so the next stream landing in the same slot can reuse it.
type slot struct {
	id       uint64
	buf      []byte
	capacity int
	complete bool
	aborted  bool
	dropped  int
	format   audio.Format
	hint     *int64
}

func (s *slot) reset() {
	s.id = 0
	s.buf = s.buf[:0]
	s.capacity = 0
	s.complete = false
	s.aborted = false
	s.dropped = 0
	s.format = audio.Format{}
	s.hint = nil
}

// SlotInfo is a point-in-time view of a queued stream.
type SlotInfo struct {
	ID       uint64
	Capacity int
	Size     int
	Complete bool
	// Aborted streams stop playing at whatever has been written so far.
	Aborted bool
	Dropped int
	Format  audio.Format
	Hint    *int64
}

// Queue is a fixed ring of stream slots. Streams are played strictly in the
// order they were started. The newest slot is the only one that may be open
// for writing, and the oldest is the one being played.
type Queue struct {
	mu    sync.Mutex
	cfg   Config
	slots []slot

	read      int
	write     int
	count     int
	writeOpen bool
	reserved  int

	changed chan struct{}
}

// NewQueue allocates the slot ring. Slot buffers are allocated lazily on
// first use.
func NewQueue(cfg Config) *Queue {
	return &Queue{
		cfg:     cfg,
		slots:   make([]slot, cfg.Slots),
		changed: make(chan struct{}, 1),
	}
}

// Changed is signalled after every mutation. It is a level hint only: a
// receiver must re-read queue state after waking.
func (q *Queue) Changed() <-chan struct{} {
	return q.changed
}

func (q *Queue) notify() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// StartNewStream allocates the next slot for stream id and opens it for
// writing. A still-open previous write slot is closed first so its buffered
// audio stays playable. The ring is never overwritten: with every slot
// outstanding the call fails with ErrQueueFull, and when the memory budget
// cannot back another slot it fails with ErrAllocation. Both leave existing
// slots untouched.
func (q *Queue) StartNewStream(id uint64, format audio.Format, hint *int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.writeOpen {
		q.slots[q.tailLocked()].complete = true
		q.writeOpen = false
	}
	if q.count >= len(q.slots) {
		return fmt.Errorf("start stream %d: %w", id, ErrQueueFull)
	}
	capacity := q.cfg.SlotCapacity
	if q.reserved+capacity > q.cfg.MemoryBudget {
		return fmt.Errorf("start stream %d: %w", id, ErrAllocation)
	}

	s := &q.slots[q.write]
	s.reset()
	prealloc := capacity
	if hint != nil && *hint > 0 && int(*hint) < capacity {
		prealloc = int(*hint)
	}
	if cap(s.buf) < prealloc {
		s.buf = make([]byte, 0, prealloc)
	}
	s.id = id
	s.capacity = capacity
	s.format = format
	s.hint = hint

	q.reserved += capacity
	q.write = (q.write + 1) % len(q.slots)
	q.count++
	q.writeOpen = true
	q.notify()
	return nil
}

// AddData appends p to the open write slot and returns how many bytes were
// stored. Bytes past the slot capacity are dropped and reported as
// ErrSlotOverflow; the slot stays playable up to the truncation point.
func (q *Queue) AddData(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.writeOpen {
		return 0, ErrNoActiveStream
	}
	s := &q.slots[q.tailLocked()]
	room := s.capacity - len(s.buf)
	n := len(p)
	if n > room {
		n = room
	}
	if n > 0 {
		s.buf = append(s.buf, p[:n]...)
		q.notify()
	}
	if n < len(p) {
		s.dropped += len(p) - n
		return n, fmt.Errorf("stream %d dropped %d bytes: %w", s.id, len(p)-n, ErrSlotOverflow)
	}
	return n, nil
}

// WriteStream returns the id of the slot open for writing.
func (q *Queue) WriteStream() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.writeOpen {
		return 0, false
	}
	return q.slots[q.tailLocked()].id, true
}

// CompleteCurrentStream marks the open write slot complete. It is a no-op
// when nothing is open.
func (q *Queue) CompleteCurrentStream() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.writeOpen {
		return
	}
	q.slots[q.tailLocked()].complete = true
	q.writeOpen = false
	q.notify()
}

// CompleteStream completes the open write slot if it belongs to id.
func (q *Queue) CompleteStream(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.writeOpen || q.slots[q.tailLocked()].id != id {
		return fmt.Errorf("complete stream %d: %w", id, ErrUnknownStream)
	}
	q.slots[q.tailLocked()].complete = true
	q.writeOpen = false
	q.notify()
	return nil
}

// AbortResult says what AbortStream did with the slot.
type AbortResult struct {
	ID uint64
	// Released is set when the slot was not yet playing and has been freed
	// outright. Nothing else will report such a stream, so the caller owns
	// telling the producer. A playing slot is left to the drainer, which
	// reports it once it winds down.
	Released bool
}

// AbortStream discards the open write slot if it belongs to id, or whatever
// is open when id is zero. A slot that is not yet playing is released
// outright. A slot already playing is marked aborted so the drainer stops
// at the bytes it has written and moves on.
func (q *Queue) AbortStream(id uint64) (AbortResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.writeOpen {
		return AbortResult{}, fmt.Errorf("abort stream %d: %w", id, ErrNoActiveStream)
	}
	tail := q.tailLocked()
	s := &q.slots[tail]
	if id != 0 && s.id != id {
		return AbortResult{}, fmt.Errorf("abort stream %d: %w", id, ErrUnknownStream)
	}
	res := AbortResult{ID: s.id}
	q.writeOpen = false
	if tail == q.read {
		s.aborted = true
		s.complete = true
	} else {
		q.reserved -= s.capacity
		s.reset()
		q.write = tail
		q.count--
		res.Released = true
	}
	q.notify()
	return res, nil
}

// Current returns the head slot, complete or not.
func (q *Queue) Current() (SlotInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return SlotInfo{}, false
	}
	s := &q.slots[q.read]
	return SlotInfo{
		ID:       s.id,
		Capacity: s.capacity,
		Size:     len(s.buf),
		Complete: s.complete,
		Aborted:  s.aborted,
		Dropped:  s.dropped,
		Format:   s.format,
		Hint:     s.hint,
	}, true
}

// ReadAt copies head slot bytes starting at off into p. The id guards
// against reading a slot that was cleared and reused meanwhile.
func (q *Queue) ReadAt(id uint64, p []byte, off int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return 0
	}
	s := &q.slots[q.read]
	if s.id != id || off >= len(s.buf) {
		return 0
	}
	return copy(p, s.buf[off:])
}

// Advance releases the head slot and moves playback to the next stream.
func (q *Queue) Advance() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return
	}
	if q.writeOpen && q.tailLocked() == q.read {
		q.writeOpen = false
	}
	s := &q.slots[q.read]
	q.reserved -= s.capacity
	s.reset()
	q.read = (q.read + 1) % len(q.slots)
	q.count--
	q.notify()
}

func (q *Queue) HasStreams() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count > 0
}

func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Clear drops every stream and returns the ring to its initial state.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		q.slots[i].reset()
	}
	q.read = 0
	q.write = 0
	q.count = 0
	q.writeOpen = false
	q.reserved = 0
	q.notify()
}

func (q *Queue) tailLocked() int {
	return (q.write - 1 + len(q.slots)) % len(q.slots)
}
