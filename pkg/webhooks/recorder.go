package webhooks

import (
	"context"
	"time"
)

// Attempt outcomes
const (
	AttemptSuccess        = "success"
	AttemptHTTPError      = "http_error"
	AttemptTransportError = "transport_error"
	AttemptTimeout        = "timeout"
)

// Delivery outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeAborted     = "aborted"
)

// Recorder receives delivery measurements. Implementations live in
// pkg/observability (Prometheus and OpenTelemetry).
type Recorder interface {
	RecordDispatch(eventType string, matched int)
	RecordAttempt(eventType, outcome string, duration time.Duration)
	RecordDeliveryOutcome(eventType, outcome string, attempts int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch(string, int) {}
func (nopRecorder) RecordAttempt(string, string, time.Duration) {}
func (nopRecorder) RecordDeliveryOutcome(string, string, int) {}

// MultiRecorder fans measurements out to several recorders
type MultiRecorder []Recorder

func (m MultiRecorder) RecordDispatch(eventType string, matched int) {
	for _, r := range m {
		r.RecordDispatch(eventType, matched)
	}
}

func (m MultiRecorder) RecordAttempt(eventType, outcome string, duration time.Duration) {
	for _, r := range m {
		r.RecordAttempt(eventType, outcome, duration)
	}
}

func (m MultiRecorder) RecordDeliveryOutcome(eventType, outcome string, attempts int) {
	for _, r := range m {
		r.RecordDeliveryOutcome(eventType, outcome, attempts)
	}
}

// DeadLetterHandler is invoked after a dead letter has been written to the ledger
type DeadLetterHandler interface {
	HandleDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// DeadLetterHandlerFunc adapts a function to DeadLetterHandler
type DeadLetterHandlerFunc func(ctx context.Context, dl *DeadLetter) error

func (f DeadLetterHandlerFunc) HandleDeadLetter(ctx context.Context, dl *DeadLetter) error {
	return f(ctx, dl)
}
