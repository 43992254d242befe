package journal

import (
	"context"
	"time"
)

// Outcome values recorded for a stream.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomePlayed    = "played"
	OutcomeAborted   = "aborted"
)

// StreamRecord is one lifecycle event of one audio stream.
type StreamRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	TurnID      string    `json:"turn_id"`
	StreamID    uint64    `json:"stream_id"`
	PhraseIndex int       `json:"phrase_index"`
	Outcome     string    `json:"outcome"`
	Text        string    `json:"text,omitempty"`
	Bytes       int64     `json:"bytes"`
	Detail      string    `json:"detail,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnRecord stores one side of a conversational exchange.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	TurnID      string    `json:"turn_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists stream records and the conversation they voiced.
type Store interface {
	Record(ctx context.Context, record StreamRecord) error
	// Recent returns the newest records of a session in chronological order.
	Recent(ctx context.Context, sessionID string, limit int) ([]StreamRecord, error)
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns the newest conversation turns of a session in
	// chronological order.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

const defaultRecentLimit = 50
