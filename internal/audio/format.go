package audio

import "time"

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
	// WriteWAVHeader: RIFF chunk, 16-byte fmt chunk and the data chunk header.
	WAVHeaderSize = 44

	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultBytesPerSample = 2
)

// Format describes raw little-endian PCM.
type Format struct {
	SampleRate     int `json:"sample_rate"`
	Channels       int `json:"channels"`
	BytesPerSample int `json:"bytes_per_sample"`
}

// DefaultFormat is 16 kHz mono PCM16, the format the kiosk speaker is wired for.
func DefaultFormat() Format {
	return Format{
		SampleRate:     DefaultSampleRate,
		Channels:       DefaultChannels,
		BytesPerSample: DefaultBytesPerSample,
	}
}

// Normalize fills zero or negative fields from DefaultFormat.
func (f Format) Normalize() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultChannels
	}
	if f.BytesPerSample <= 0 {
		f.BytesPerSample = DefaultBytesPerSample
	}
	return f
}

// FrameBytes is the size of one sample across all channels.
func (f Format) FrameBytes() int {
	f = f.Normalize()
	return f.Channels * f.BytesPerSample
}

// ByteRate is the number of bytes consumed per second of playback.
func (f Format) ByteRate() int {
	f = f.Normalize()
	return f.SampleRate * f.FrameBytes()
}

// Duration converts a raw PCM byte count to playback time.
func (f Format) Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	f = f.Normalize()
	frames := int64(n) / int64(f.FrameBytes())
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// BytesFor is the inverse of Duration, rounded down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	f = f.Normalize()
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.FrameBytes()
}
