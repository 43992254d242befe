// Package playback implements the device side of stream delivery: a bounded
// ring of stream slots, the drainer that plays the head slot to an output
// sink, and the receiver that applies producer frames to the ring.
package playback

import (
	"fmt"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

const (
	DefaultSlots          = 4
	DefaultSlotCapacity   = 512 * 1024
	DefaultMinBufferBytes = 6 * 1024
	DefaultBurstBytes     = 1024
	DefaultDrainMargin    = 150 * time.Millisecond
)

// Config sizes the device queue and tunes the drainer.
type Config struct {
	// Slots is the number of streams that may be outstanding at once.
	Slots int
	// SlotCapacity is the fixed byte capacity of every slot, header included.
	SlotCapacity int
	// MemoryBudget bounds the bytes reserved by outstanding slots. A start
	// that would exceed it fails with ErrAllocation.
	MemoryBudget int
	// HeaderSize bytes at the front of every stream are never played.
	HeaderSize int
	// MinBufferBytes of audio must be buffered before an incomplete stream
	// starts playing.
	MinBufferBytes int
	BurstBytes     int
	DrainMargin    time.Duration
}

// DefaultConfig returns settings sized for a small kiosk speaker.
func DefaultConfig() Config {
	return Config{
		Slots:          DefaultSlots,
		SlotCapacity:   DefaultSlotCapacity,
		MemoryBudget:   DefaultSlots * DefaultSlotCapacity,
		HeaderSize:     audio.WAVHeaderSize,
		MinBufferBytes: DefaultMinBufferBytes,
		BurstBytes:     DefaultBurstBytes,
		DrainMargin:    DefaultDrainMargin,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.Slots < 1 {
		return fmt.Errorf("playback slots must be at least 1")
	}
	if c.SlotCapacity <= c.HeaderSize {
		return fmt.Errorf("playback slot capacity must exceed header size %d", c.HeaderSize)
	}
	if c.HeaderSize < 0 {
		return fmt.Errorf("playback header size must not be negative")
	}
	if c.MemoryBudget < c.SlotCapacity {
		return fmt.Errorf("playback memory budget must hold at least one slot")
	}
	if c.MinBufferBytes < 0 {
		return fmt.Errorf("playback min buffer must not be negative")
	}
	if c.BurstBytes < 1 {
		return fmt.Errorf("playback burst size must be at least 1 byte")
	}
	if c.DrainMargin < 0 {
		return fmt.Errorf("playback drain margin must not be negative")
	}
	return nil
}

// DrainDelay is how long sound keeps emitting after audioBytes of PCM in
// format f were handed to the output, plus margin.
func DrainDelay(audioBytes int, f audio.Format, margin time.Duration) time.Duration {
	if audioBytes <= 0 {
		return 0
	}
	return f.Duration(audioBytes) + margin
}
