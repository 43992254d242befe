package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket text frame variants. Audio payload bytes
// travel as binary frames and carry no envelope.
type MessageType string

const (
	// Device -> producer.
	TypeRegister          MessageType = "register"
	TypeTextQuery         MessageType = "text_query"
	TypeRecordingStart    MessageType = "recording_start"
	TypeAudioChunk        MessageType = "audio_chunk"
	TypeRecordingComplete MessageType = "recording_complete"
	TypeStreamPlayed      MessageType = "stream_played"
	TypeStreamRejected    MessageType = "stream_rejected"
	TypeTurnFinished      MessageType = "turn_finished"

	// Producer -> device.
	TypeRegisterAck    MessageType = "register_ack"
	TypeStreamStart    MessageType = "stream_start"
	TypeStreamComplete MessageType = "stream_complete"
	TypeError          MessageType = "error"
	TypeTurnEnd        MessageType = "turn_end"
	TypeSystemEvent    MessageType = "system_event"
)

// System event codes.
const (
	// CodeRecordingAck answers recording_start. Every stream frame sent
	// before it belongs to the cancelled turn.
	CodeRecordingAck   = "recording_ack"
	CodeTurnCancelled  = "turn_cancelled"
	CodeSessionExpired = "session_expired"
	// CodeNoSpeech means a recording produced no transcript.
	CodeNoSpeech = "no_speech"
	// CodeSpeechUnavailable means recordings cannot be transcribed.
	CodeSpeechUnavailable = "speech_unavailable"
	CodeSuperseded        = "superseded"
)

// Rejection reasons carried by stream_rejected.
const (
	RejectQueueFull        = "queue_full"
	RejectAllocationFailed = "allocation_failed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// BinaryChunk is a slice of stream audio sent as a binary frame. It always
// belongs to the most recent stream_start.
type BinaryChunk []byte

type Envelope struct {
	Type MessageType `json:"type"`
}

type Register struct {
	Type       MessageType `json:"type"`
	DeviceID   string      `json:"device_id"`
	QueueSlots int         `json:"queue_slots,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

type TextQuery struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type RecordingStart struct {
	Type MessageType `json:"type"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type RecordingComplete struct {
	Type MessageType `json:"type"`
}

// StreamPlayed reports that a stream left the device queue and its slot is
// free. Aborted streams were cut short by an error frame. The timings are
// set once the stream reached the sink: FirstBurstMS from stream_start to
// the first burst, PlayMS from the first burst to this report.
type StreamPlayed struct {
	Type         MessageType `json:"type"`
	StreamID     uint64      `json:"stream_id"`
	Aborted      bool        `json:"aborted,omitempty"`
	Bytes        int64       `json:"bytes,omitempty"`
	FirstBurstMS int64       `json:"first_burst_ms,omitempty"`
	PlayMS       int64       `json:"play_ms,omitempty"`
}

type StreamRejected struct {
	Type     MessageType `json:"type"`
	StreamID uint64      `json:"stream_id"`
	Reason   string      `json:"reason"`
}

type TurnFinished struct {
	Type MessageType `json:"type"`
}

type RegisterAck struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	QueueSlots int         `json:"queue_slots"`
}

// StreamStart opens a stream on the device. TotalBytesHint is nil when the
// producer does not yet know how large the stream will be.
type StreamStart struct {
	Type           MessageType `json:"type"`
	StreamID       uint64      `json:"stream_id"`
	TotalBytesHint *int64      `json:"total_bytes_hint"`
	SampleRate     int         `json:"sample_rate"`
	Channels       int         `json:"channels"`
	BytesPerSample int         `json:"bytes_per_sample"`
}

type StreamComplete struct {
	Type             MessageType `json:"type"`
	StreamID         uint64      `json:"stream_id"`
	TotalBytesActual int64       `json:"total_bytes_actual"`
}

// ErrorEvent aborts the stream named by StreamID. A zero StreamID refers to
// the device's current write slot.
type ErrorEvent struct {
	Type     MessageType `json:"type"`
	StreamID uint64      `json:"stream_id,omitempty"`
	Message  string      `json:"message"`
}

type TurnEnd struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Reason string      `json:"reason"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

// Hint converts an optional byte count to the wire representation.
func Hint(n int64, known bool) *int64 {
	if !known {
		return nil
	}
	return &n
}

// ParseClientMessage decodes a device -> producer text frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeRegister:
		var msg Register
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.DeviceID == "" || msg.QueueSlots < 0 || msg.SampleRate < 0 {
			return nil, errors.New("invalid register")
		}
		return msg, nil
	case TypeTextQuery:
		var msg TextQuery
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid text_query")
		}
		return msg, nil
	case TypeRecordingStart:
		return RecordingStart{Type: env.Type}, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeRecordingComplete:
		return RecordingComplete{Type: env.Type}, nil
	case TypeStreamPlayed:
		var msg StreamPlayed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamID == 0 {
			return nil, errors.New("invalid stream_played")
		}
		return msg, nil
	case TypeStreamRejected:
		var msg StreamRejected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamID == 0 {
			return nil, errors.New("invalid stream_rejected")
		}
		return msg, nil
	case TypeTurnFinished:
		return TurnFinished{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a producer -> device text frame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeRegisterAck:
		var msg RegisterAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStreamStart:
		var msg StreamStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamID == 0 || msg.SampleRate < 0 || msg.Channels < 0 || msg.BytesPerSample < 0 {
			return nil, errors.New("invalid stream_start")
		}
		if msg.TotalBytesHint != nil && *msg.TotalBytesHint < 0 {
			msg.TotalBytesHint = nil
		}
		return msg, nil
	case TypeStreamComplete:
		var msg StreamComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamID == 0 {
			return nil, errors.New("invalid stream_complete")
		}
		return msg, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTurnEnd:
		var msg TurnEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSystemEvent:
		var msg SystemEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
