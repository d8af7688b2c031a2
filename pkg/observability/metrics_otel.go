package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/hookrelay"

// OTelMetrics records delivery measurements as OpenTelemetry instruments. It
// mirrors Metrics for deployments that export through OTLP.
type OTelMetrics struct {
	eventsDispatched    metric.Int64Counter
	subscriptionsMatch  metric.Int64Histogram
	attempts            metric.Int64Counter
	attemptDuration     metric.Float64Histogram
	deliveries          metric.Int64Counter
	breakerTransitions  metric.Int64Counter
	attemptsPerDelivery metric.Int64Histogram
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter(meterName))
}

// NewOTelMetricsWithMeter creates the instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.eventsDispatched, err = meter.Int64Counter(
		"hookrelay.events.dispatched",
		metric.WithDescription("Events accepted for dispatch"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events dispatched counter: %w", err)
	}

	m.subscriptionsMatch, err = meter.Int64Histogram(
		"hookrelay.subscriptions.matched",
		metric.WithDescription("Subscriptions matched per dispatched event"),
		metric.WithUnit("{subscription}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions matched histogram: %w", err)
	}

	m.attempts, err = meter.Int64Counter(
		"hookrelay.delivery.attempts",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery attempts counter: %w", err)
	}

	m.attemptDuration, err = meter.Float64Histogram(
		"hookrelay.delivery.attempt.duration",
		metric.WithDescription("Delivery attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt duration histogram: %w", err)
	}

	m.deliveries, err = meter.Int64Counter(
		"hookrelay.deliveries",
		metric.WithDescription("Finished deliveries by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.attemptsPerDelivery, err = meter.Int64Histogram(
		"hookrelay.delivery.attempts_per_delivery",
		metric.WithDescription("Attempts made before a delivery finished"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts per delivery histogram: %w", err)
	}

	m.breakerTransitions, err = meter.Int64Counter(
		"hookrelay.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker transitions counter: %w", err)
	}

	return m, nil
}

// RecordDispatch implements webhooks.Recorder
func (m *OTelMetrics) RecordDispatch(eventType string, matched int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("event.type", eventType))
	m.eventsDispatched.Add(ctx, 1, attrs)
	m.subscriptionsMatch.Record(ctx, int64(matched), attrs)
}

// RecordAttempt implements webhooks.Recorder
func (m *OTelMetrics) RecordAttempt(eventType, outcome string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeliveryOutcome implements webhooks.Recorder
func (m *OTelMetrics) RecordDeliveryOutcome(eventType, outcome string, attempts int) {
	ctx := context.Background()
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("outcome", outcome),
	))
	m.attemptsPerDelivery.Record(ctx, int64(attempts), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBreakerTransition counts a breaker state change
func (m *OTelMetrics) RecordBreakerTransition(ctx context.Context, endpoint, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
