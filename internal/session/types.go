package session

import "time"

// View is the JSON shape of a session returned by the HTTP API.
type View struct {
	SessionID         string    `json:"session_id"`
	DeviceID          string    `json:"device_id"`
	Status            Status    `json:"status"`
	QueueSlots        int       `json:"queue_slots"`
	SampleRate        int       `json:"sample_rate"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	InactivityTTLMS   int64     `json:"inactivity_ttl_ms"`
}
