package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubResponder struct {
	deltas []string
	err    error
	calls  int
}

func (r *stubResponder) StreamResponse(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	r.calls++
	var b strings.Builder
	for _, d := range r.deltas {
		b.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return Response{}, err
			}
		}
	}
	if r.err != nil {
		return Response{}, r.err
	}
	return Response{Text: b.String()}, nil
}

func collect(t *testing.T, r Responder, input string) (string, Response) {
	t.Helper()
	var b strings.Builder
	resp, err := r.StreamResponse(context.Background(), Request{InputText: input}, func(d string) error {
		b.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	return b.String(), resp
}

func TestEchoResponderStreamsWords(t *testing.T) {
	r := NewEchoResponder("")
	var deltas []string
	resp, err := r.StreamResponse(context.Background(), Request{InputText: "where is the exit?"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if !strings.HasPrefix(resp.Text, "I heard you say: where is the exit.") {
		t.Fatalf("Text = %q", resp.Text)
	}
	if len(deltas) < 5 || strings.Join(deltas, "") != resp.Text {
		t.Fatalf("deltas = %q, want word deltas joining to the reply", deltas)
	}
}

func TestEchoResponderFixedText(t *testing.T) {
	got, resp := collect(t, NewEchoResponder("  Welcome to the museum.  "), "hi")
	if got != "Welcome to the museum." || resp.Text != got {
		t.Fatalf("reply = %q / %q", got, resp.Text)
	}
}

func TestEchoResponderStopsOnHandlerError(t *testing.T) {
	stop := errors.New("stop")
	_, err := NewEchoResponder("").StreamResponse(context.Background(), Request{InputText: "x"}, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want stop", err)
	}
}

func TestFallbackResponderUsesFallbackBeforeFirstDelta(t *testing.T) {
	primary := &stubResponder{err: errors.New("rate limited")}
	fallback := &stubResponder{deltas: []string{"fallback ", "reply"}}
	got, _ := collect(t, NewFallbackResponder(primary, fallback), "q")
	if got != "fallback reply" {
		t.Fatalf("reply = %q, want fallback reply", got)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestFallbackResponderKeepsPrimaryErrorAfterDelta(t *testing.T) {
	primary := &stubResponder{deltas: []string{"partial "}, err: errors.New("connection reset")}
	fallback := &stubResponder{deltas: []string{"again"}}
	_, err := NewFallbackResponder(primary, fallback).StreamResponse(context.Background(), Request{}, nil)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("error = %v, want primary error", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestNewResponderModes(t *testing.T) {
	cases := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{cfg: Config{}, want: "*brain.EchoResponder"},
		{cfg: Config{Provider: "auto", APIKey: "k"}, want: "*brain.FallbackResponder"},
		{cfg: Config{Provider: "openai", APIKey: "k"}, want: "*brain.OpenAIResponder"},
		{cfg: Config{Provider: "openai"}, wantErr: true},
		{cfg: Config{Provider: "echo"}, want: "*brain.EchoResponder"},
		{cfg: Config{Provider: "llama"}, wantErr: true},
	}
	for _, tc := range cases {
		r, err := NewResponder(tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NewResponder(%+v) expected error", tc.cfg)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewResponder(%+v) error = %v", tc.cfg, err)
		}
		if got := fmt.Sprintf("%T", r); got != tc.want {
			t.Fatalf("NewResponder(%+v) = %s, want %s", tc.cfg, got, tc.want)
		}
	}
}

func TestOpenAIResponderStreamsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hello ", "from ", "the kiosk."} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	r := NewOpenAIResponder(Config{APIKey: "test", BaseURL: srv.URL + "/v1/"})
	got, resp := collect(t, r, "hi")
	if got != "Hello from the kiosk." || resp.Text != got {
		t.Fatalf("reply = %q / %q", got, resp.Text)
	}
}

func TestOpenAIResponderReplaysHistory(t *testing.T) {
	type chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	got := make(chan []chatMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []chatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- body.Messages
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Until six.\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	r := NewOpenAIResponder(Config{APIKey: "test", BaseURL: srv.URL + "/v1/", SystemPrompt: "Be brief."})
	req := Request{
		InputText: "and on sundays?",
		History: []Message{
			{Role: RoleUser, Content: "when do you close"},
			{Role: RoleAssistant, Content: "We close at eight."},
			{Role: "tool", Content: "ignored"},
			{Role: RoleUser, Content: "   "},
		},
	}
	if _, err := r.StreamResponse(context.Background(), req, nil); err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}

	want := []chatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "when do you close"},
		{Role: "assistant", Content: "We close at eight."},
		{Role: "user", Content: "and on sundays?"},
	}
	msgs := <-got
	if len(msgs) != len(want) {
		t.Fatalf("messages = %+v, want %+v", msgs, want)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}
