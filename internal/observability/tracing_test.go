package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewTracerFromProvider(provider, "taskgate-test"), recorder
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()
	if tracer == nil || tracer.tracer == nil {
		t.Fatal("expected a usable tracer")
	}
	if tracer.config.ServiceName != "taskgate" {
		t.Fatalf("expected default service name, got %q", tracer.config.ServiceName)
	}
	_, span := tracer.TraceDispatch(context.Background(), "web.search", "edge")
	span.End()
}

func TestTraceDispatchAndAttempt(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	ctx, dispatch := tracer.TraceDispatch(context.Background(), "web.search", "edge")
	_, attempt := tracer.TraceAttempt(ctx, "edge", 2, "key-1")
	tracer.RecordError(attempt, errors.New("backend unreachable"))
	attempt.End()
	dispatch.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name() != "backend.execute" || parent.Name() != "dispatch" {
		t.Fatalf("unexpected span names %q, %q", child.Name(), parent.Name())
	}
	if child.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Fatal("attempt span should be a child of the dispatch span")
	}
	if child.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", child.Status())
	}
	found := false
	for _, attr := range child.Attributes() {
		if attr.Key == "attempt" && attr.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected attempt attribute, got %v", child.Attributes())
	}
}

func TestWithSpanRecordsError(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	want := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "fallback", func(ctx context.Context, span trace.Span) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one errored span, got %v", spans)
	}
}

func TestSetAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	_, span := tracer.Start(context.Background(), "op")
	tracer.SetAttributes(span, "tenant_id", "t-1", "cost", int64(2), 42, "ignored", "charged", true)
	span.End()

	attrs := recorder.Ended()[0].Attributes()
	want := map[attribute.Key]bool{"tenant_id": true, "cost": true, "charged": true}
	if len(attrs) != len(want) {
		t.Fatalf("expected %d attributes, got %v", len(want), attrs)
	}
	for _, attr := range attrs {
		if !want[attr.Key] {
			t.Fatalf("unexpected attribute %v", attr)
		}
	}
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.TraceFallback(context.Background(), "req-1")
	span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("expected no trace id from a nil tracer")
	}
}
