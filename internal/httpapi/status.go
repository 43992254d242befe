package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	TTSProvider string        `json:"tts_provider"`
	LLMProvider string        `json:"llm_provider"`
	JournalMode string        `json:"journal_mode"`
	Tracing     string        `json:"tracing"`
	Checks      []statusCheck `json:"checks"`
}

// handleStatus reports which backends the producer runs with and what an
// operator should fix.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ttsProvider := orAuto(s.cfg.TTSProvider)
	llmProvider := orAuto(s.cfg.LLMProvider)
	checks := make([]statusCheck, 0, 6)

	switch {
	case ttsProvider == "mock":
		checks = append(checks, statusCheck{
			ID:     "tts",
			Status: "warn",
			Label:  "Speech synthesis is mock",
			Detail: "Devices will hear tones instead of speech.",
			Fix:    "Set ELEVENLABS_API_KEY and TTS_PROVIDER=auto.",
		})
	case strings.TrimSpace(s.cfg.ElevenLabsAPIKey) == "":
		checks = append(checks, statusCheck{
			ID:     "tts",
			Status: "warn",
			Label:  "ElevenLabs API key",
			Detail: "ELEVENLABS_API_KEY is not set; using the mock synthesizer",
			Fix:    "Set ELEVENLABS_API_KEY.",
		})
	default:
		checks = append(checks, statusCheck{ID: "tts", Status: "ok", Label: "ElevenLabs API key", Detail: "present"})
	}

	switch {
	case llmProvider == "echo" || llmProvider == "mock":
		checks = append(checks, statusCheck{
			ID:     "llm",
			Status: "warn",
			Label:  "Replies are canned",
			Detail: "The echo responder repeats the question.",
			Fix:    "Set OPENAI_API_KEY and LLM_PROVIDER=auto.",
		})
	case strings.TrimSpace(s.cfg.OpenAIAPIKey) == "":
		checks = append(checks, statusCheck{
			ID:     "llm",
			Status: "warn",
			Label:  "OpenAI API key",
			Detail: "OPENAI_API_KEY is not set; using the echo responder",
			Fix:    "Set OPENAI_API_KEY.",
		})
	default:
		checks = append(checks, statusCheck{ID: "llm", Status: "ok", Label: "Language model", Detail: s.cfg.OpenAIModel})
	}

	journalMode := journalModeOf(s.cfg.DatabaseURL)
	if journalMode == "memory" {
		checks = append(checks, statusCheck{
			ID:     "journal",
			Status: "warn",
			Label:  "Stream journal",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to postgres:// or sqlite:// to keep stream history across restarts.",
		})
	} else {
		checks = append(checks, statusCheck{ID: "journal", Status: "ok", Label: "Stream journal", Detail: journalMode})
	}

	switch {
	case strings.TrimSpace(s.cfg.NATSURL) == "":
		checks = append(checks, statusCheck{ID: "bus", Status: "ok", Label: "Event bus", Detail: "disabled"})
	case s.publisher.Healthy():
		checks = append(checks, statusCheck{ID: "bus", Status: "ok", Label: "Event bus", Detail: "connected"})
	default:
		checks = append(checks, statusCheck{
			ID:     "bus",
			Status: "error",
			Label:  "Event bus",
			Detail: "disconnected",
			Fix:    "Check that NATS_URL is reachable.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		TTSProvider: ttsProvider,
		LLMProvider: llmProvider,
		JournalMode: journalMode,
		Tracing:     orNone(s.cfg.OTelExporter),
		Checks:      checks,
	})
}

func journalModeOf(databaseURL string) string {
	u := strings.ToLower(strings.TrimSpace(databaseURL))
	switch {
	case u == "":
		return "memory"
	case strings.HasPrefix(u, "sqlite://"):
		return "sqlite"
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres"
	default:
		return "unknown"
	}
}

func orAuto(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "auto"
	}
	return v
}

func orNone(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "none"
	}
	return v
}
