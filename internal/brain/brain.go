// Package brain produces the spoken reply text for a turn.
package brain

import (
	"context"
	"fmt"
	"strings"
)

// Conversation roles of a Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one earlier utterance of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized input for one turn.
type Request struct {
	SessionID    string `json:"session_id"`
	TurnID       string `json:"turn_id"`
	InputText    string `json:"input_text"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	// History holds the session's recent exchanges, oldest first.
	History []Message `json:"history,omitempty"`
}

// Response is the full reply after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the stream.
type DeltaHandler func(delta string) error

// Responder turns a query into reply text, streaming it as it is produced.
type Responder interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls responder construction.
type Config struct {
	// Provider is auto, openai or echo. auto picks openai when an API key is
	// set and falls back to echo on errors before the first delta.
	Provider     string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// EchoText replaces the echo responder's reply when set.
	EchoText string
}

func NewResponder(cfg Config) (Responder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}
	echo := NewEchoResponder(cfg.EchoText)

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return echo, nil
		}
		return NewFallbackResponder(NewOpenAIResponder(cfg), echo), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("openai responder requires an API key")
		}
		return NewOpenAIResponder(cfg), nil
	case "echo", "mock":
		return echo, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
