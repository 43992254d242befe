package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestInitTracingNoneIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "none"}, slog.Default())
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}, slog.Default()); err == nil {
		t.Fatalf("InitTracing() expected error for unknown exporter")
	}
}
