package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// SineTone renders a PCM16LE sine wave in format f. Multi-channel output
// duplicates the sample across channels.
func SineTone(f Format, freqHz float64, d time.Duration, amplitude float64) []byte {
	f = f.Normalize()
	frames := f.BytesFor(d) / f.FrameBytes()
	if frames <= 0 {
		return nil
	}
	if amplitude <= 0 || amplitude > 1 {
		amplitude = 0.3
	}
	out := make([]byte, frames*f.Channels*2)
	step := 2 * math.Pi * freqHz / float64(f.SampleRate)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(step*float64(i)) * amplitude * math.MaxInt16)
		for ch := 0; ch < f.Channels; ch++ {
			off := (i*f.Channels + ch) * 2
			binary.LittleEndian.PutUint16(out[off:off+2], uint16(v))
		}
	}
	return out
}
