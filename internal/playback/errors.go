package playback

import "errors"

var (
	// ErrQueueFull means every slot holds an outstanding stream.
	ErrQueueFull = errors.New("playback queue full")
	// ErrAllocation means the memory budget cannot back another slot.
	ErrAllocation = errors.New("playback slot allocation failed")
	// ErrSlotOverflow means a chunk did not fit; the excess was dropped.
	ErrSlotOverflow = errors.New("playback slot overflow")
	// ErrNoActiveStream means no slot is open for writing.
	ErrNoActiveStream = errors.New("no active write stream")
	// ErrUnknownStream means a frame named a stream that is not open.
	ErrUnknownStream = errors.New("unknown stream")
)
