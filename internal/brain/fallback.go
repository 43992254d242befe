package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackResponder tries primary first and switches to fallback when
// primary fails before producing any text. Once primary has streamed a
// delta its error is returned as is, so a reply is never spoken twice.
type FallbackResponder struct {
	primary  Responder
	fallback Responder
}

func NewFallbackResponder(primary, fallback Responder) *FallbackResponder {
	return &FallbackResponder{primary: primary, fallback: fallback}
}

func (r *FallbackResponder) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if r.primary == nil {
		if r.fallback == nil {
			return Response{}, errors.New("fallback responder misconfigured")
		}
		return r.fallback.StreamResponse(ctx, req, onDelta)
	}

	streamed := false
	resp, err := r.primary.StreamResponse(ctx, req, func(delta string) error {
		if strings.TrimSpace(delta) != "" {
			streamed = true
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if streamed || r.fallback == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}

	fallbackResp, fallbackErr := r.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary responder error: %w; fallback responder error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
