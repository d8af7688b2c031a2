package observability

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectOTel(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, not an int64 sum", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOTelMetrics_Recorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := NewOTelMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewOTelMetricsWithMeter failed: %v", err)
	}

	metrics.RecordDispatch("producto.creado", 2)
	metrics.RecordAttempt("producto.creado", "timeout", time.Second)
	metrics.RecordAttempt("producto.creado", "success", 50*time.Millisecond)
	metrics.RecordDeliveryOutcome("producto.creado", "success", 2)
	metrics.RecordBreakerTransition(context.Background(), "https://a.example.com", "CLOSED", "OPEN")

	got := collectOTel(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"hookrelay.events.dispatched", 1},
		{"hookrelay.delivery.attempts", 2},
		{"hookrelay.deliveries", 1},
		{"hookrelay.circuit_breaker.transitions", 1},
	}
	for _, tt := range tests {
		m, ok := got[tt.name]
		if !ok {
			t.Errorf("metric %s not collected", tt.name)
			continue
		}
		if v := sumValue(t, m); v != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, v, tt.want)
		}
	}

	if _, ok := got["hookrelay.delivery.attempt.duration"]; !ok {
		t.Error("attempt duration histogram not collected")
	}
}

func TestNewOTelMetrics_GlobalProvider(t *testing.T) {
	metrics, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics failed: %v", err)
	}
	// the default global provider is a no-op; recording must not panic
	metrics.RecordDispatch("a.b", 0)
	metrics.RecordDeliveryOutcome("a.b", "circuit_open", 1)
}
