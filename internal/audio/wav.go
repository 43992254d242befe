package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// StreamingDataSize is written into the RIFF and data size fields when the
// payload length is not known up front.
const StreamingDataSize = 0xFFFFFFFF

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	f := Format{SampleRate: sampleRate, Channels: 1, BytesPerSample: 2}
	if err := WriteWAVHeader(&buf, f, len(pcm)); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := WriteWAVHeader(w, Format{SampleRate: sampleRate, Channels: 1, BytesPerSample: 2}, len(pcm)); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// WAVHeader returns the 44-byte header for dataSize bytes of PCM in format f.
// A negative dataSize produces a streaming header with unknown length.
func WAVHeader(f Format, dataSize int) []byte {
	var buf bytes.Buffer
	_ = WriteWAVHeader(&buf, f, dataSize)
	return buf.Bytes()
}

// WriteWAVHeader writes the canonical RIFF/WAVE header to out.
func WriteWAVHeader(out io.Writer, f Format, dataSize int) error {
	const audioFormat = 1 // PCM
	f = f.Normalize()

	riffSize := uint32(StreamingDataSize)
	dataField := uint32(StreamingDataSize)
	if dataSize >= 0 {
		dataField = uint32(dataSize)
		riffSize = uint32(36) + dataField
	}
	bitsPerSample := f.BytesPerSample * 8
	byteRate := uint32(f.ByteRate())
	blockAlign := uint16(f.FrameBytes())

	var hdr [WAVHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], riffSize)
	copy(hdr[8:12], "WAVE")

	// fmt chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], audioFormat)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bitsPerSample))

	// data chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataField)

	_, err := out.Write(hdr[:])
	return err
}

// DecodeWAV parses a PCM WAV payload and returns its data chunk and format.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 {
		return nil, Format{}, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		format      Format
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if id == "data" && (size < 0 || off+size > len(data)) {
			// Streaming headers carry a placeholder length; take what is there.
			size = len(data) - off
		}
		if size < 0 || off+size > len(data) {
			return nil, Format{}, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, Format{}, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			format.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			format.BytesPerSample = int(binary.LittleEndian.Uint16(chunk[14:16])) / 8
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, Format{}, fmt.Errorf("wav fmt chunk missing")
	}
	if audioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if format.Channels == 0 {
		return nil, Format{}, fmt.Errorf("invalid wav channels=0")
	}
	return pcmData, format.Normalize(), nil
}
