package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })
	return exp
}

func TestStartSpan_RecordsSpan(t *testing.T) {
	exp := setupTracer(t)

	ctx, span := StartSpan(context.Background(), "session.connect")
	if CorrelationID(ctx) == "" {
		t.Error("no trace ID inside active span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q, want session.connect", spans[0].Name)
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
}

func TestLogger_WithoutSpanIsDefault(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil")
	}
}
