package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ent0n29/kioskvoice/internal/audio"
)

// Sink is the audio output. Write may accept fewer bytes than offered; the
// drainer retries the remainder on its next step. Stop silences the output
// and discards anything it buffered.
type Sink interface {
	Write(p []byte) (int, error)
	Stop() error
	Format() audio.Format
}

// DiscardSink accepts everything and remembers only byte counts.
type DiscardSink struct {
	format audio.Format

	mu      sync.Mutex
	written int64
}

func NewDiscardSink(format audio.Format) *DiscardSink {
	return &DiscardSink{format: format.Normalize()}
}

func (s *DiscardSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.written += int64(len(p))
	s.mu.Unlock()
	return len(p), nil
}

func (s *DiscardSink) Stop() error { return nil }

func (s *DiscardSink) Format() audio.Format { return s.format }

func (s *DiscardSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// BufferSink keeps every played byte in memory.
type BufferSink struct {
	format audio.Format

	mu    sync.Mutex
	buf   bytes.Buffer
	stops int
}

func NewBufferSink(format audio.Format) *BufferSink {
	return &BufferSink{format: format.Normalize()}
}

func (s *BufferSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *BufferSink) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *BufferSink) Format() audio.Format { return s.format }

// Bytes returns a copy of everything played so far.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *BufferSink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// PacedSink blocks each write for the playback time of the bytes written,
// approximating a hardware DAC draining at the sink's sample rate.
type PacedSink struct {
	Sink
	sleep func(time.Duration)
}

func NewPacedSink(inner Sink) *PacedSink {
	return &PacedSink{Sink: inner, sleep: time.Sleep}
}

func (s *PacedSink) Write(p []byte) (int, error) {
	n, err := s.Sink.Write(p)
	if n > 0 {
		s.sleep(s.Sink.Format().Duration(n))
	}
	return n, err
}

// WAVFileSink records played audio to a WAV file. The header is written with
// a streaming length and patched on Close.
type WAVFileSink struct {
	format audio.Format

	mu      sync.Mutex
	file    *os.File
	written int64
}

func NewWAVFileSink(path string, format audio.Format) (*WAVFileSink, error) {
	format = format.Normalize()
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav sink: %w", err)
	}
	if err := audio.WriteWAVHeader(f, format, -1); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAVFileSink{format: format, file: f}, nil
}

func (s *WAVFileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, os.ErrClosed
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *WAVFileSink) Stop() error { return nil }

func (s *WAVFileSink) Format() audio.Format { return s.format }

// Close fixes up the RIFF and data lengths and closes the file.
func (s *WAVFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(36+s.written))
	if _, err := s.file.WriteAt(size[:], 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(size[:], uint32(s.written))
	if _, err := s.file.WriteAt(size[:], 40); err != nil {
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}
