package brain

import (
	"context"
	"fmt"
	"strings"
)

// EchoResponder replies deterministically without a language model. It
// streams its reply a word at a time like a real model would.
type EchoResponder struct {
	text string
}

func NewEchoResponder(text string) *EchoResponder {
	return &EchoResponder{text: strings.TrimSpace(text)}
}

func (r *EchoResponder) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := r.reply(req)
	for i, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if i%8 == 0 {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
		}
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text}, nil
}

func (r *EchoResponder) reply(req Request) string {
	if r.text != "" {
		return r.text
	}
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you say: %s. Ask me anything else about this place.", strings.TrimRight(base, ".!? "))
}
