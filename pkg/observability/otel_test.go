package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NopLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if providers != nil {
		t.Error("expected nil providers when disabled")
	}
}

func TestInitOTel_RequiresEndpoint(t *testing.T) {
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true}, NopLogger())
	if err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	if err := ShutdownOTel(context.Background(), nil, NopLogger()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestShutdownOTel_WithProviders(t *testing.T) {
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}
	if err := ShutdownOTel(context.Background(), providers, NopLogger()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "ParentBased{root:AlwaysOnSampler"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := samplerFor(tt.ratio).Description()
		if !bytes.HasPrefix([]byte(desc), []byte(tt.want)) {
			t.Errorf("samplerFor(%v) = %q, want prefix %q", tt.ratio, desc, tt.want)
		}
	}
}

func TestWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	// no span: logger unchanged
	WithTraceContext(context.Background(), logger).Info("plain")

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	WithTraceContext(ctx, logger).Info("traced")
	span.End()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var plain, traced map[string]interface{}
	if err := json.Unmarshal(lines[0], &plain); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if err := json.Unmarshal(lines[1], &traced); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if _, ok := plain["trace_id"]; ok {
		t.Error("untraced line should not carry trace_id")
	}
	if traced["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", traced["trace_id"], span.SpanContext().TraceID())
	}
	if traced["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v, want %s", traced["span_id"], span.SpanContext().SpanID())
	}
}
