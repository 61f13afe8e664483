package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	if tracer.provider != nil {
		t.Error("expected no SDK provider without an endpoint")
	}

	_, span := tracer.Start(context.Background(), "noop")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("expected a non-recording span from the no-op tracer")
	}
}

func TestNilTracerStartsSpans(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceToolCall(context.Background(), "git", "git_status")
	defer span.End()
	if ctx == nil || span == nil {
		t.Fatal("nil tracer returned nil context or span")
	}
	tracer.RecordError(span, errors.New("ignored"))
}

func TestTracerRecordsSpansAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	tracer := &Tracer{provider: provider, tracer: provider.Tracer("test")}

	ctx, span := tracer.TraceModelRequest(context.Background(), "openai", "gpt-4o-mini")
	if GetTraceID(ctx) == "" {
		t.Error("expected trace ID in context")
	}
	tracer.RecordError(span, errors.New("rate limited"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "llm.openai" {
		t.Errorf("span name = %q, want llm.openai", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status().Code)
	}
	if got.Status().Description != "rate limited" {
		t.Errorf("status description = %q", got.Status().Description)
	}
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := &Tracer{provider: provider, tracer: provider.Tracer("test")}

	_, span := tracer.Start(context.Background(), "ok")
	tracer.RecordError(span, nil)
	span.End()

	if code := recorder.Ended()[0].Status().Code; code != codes.Unset {
		t.Errorf("status = %v, want Unset", code)
	}
}
