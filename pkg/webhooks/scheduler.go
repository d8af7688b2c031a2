package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/observability"
)

const (
	circuitOpenMessage = "circuit open"
	tracerName         = "github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// Breaker is the circuit breaker view the scheduler needs. Every granted
// permit is settled by exactly one of Succeed, Fail or Cancel.
type Breaker interface {
	Acquire(ctx context.Context, key string) (circuitbreaker.Permit, bool)
	Succeed(ctx context.Context, permit circuitbreaker.Permit)
	Fail(ctx context.Context, permit circuitbreaker.Permit)
	Cancel(ctx context.Context, permit circuitbreaker.Permit)
}

// SchedulerConfig holds the delivery settings shared by all subscriptions
type SchedulerConfig struct {
	// RequestTimeout bounds a single attempt; clamped to MaxRequestTimeout
	RequestTimeout time.Duration
	// Environment and Source are copied into every envelope's metadata
	Environment string
	Source      string
}

// Scheduler runs the attempt loop for one (event, subscription) pair
type Scheduler struct {
	ledger   Ledger
	breakers Breaker
	client   HTTPDoer
	config   SchedulerConfig

	recorder    Recorder
	deadLetters []DeadLetterHandler
	logger      *observability.Logger
	tracer      trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewScheduler creates a scheduler. A nil client gets NewHTTPClient.
func NewScheduler(ledger Ledger, breakers Breaker, client HTTPDoer, config SchedulerConfig, logger *observability.Logger) *Scheduler {
	config.RequestTimeout = ClampRequestTimeout(config.RequestTimeout)
	if client == nil {
		client = NewHTTPClient(config.RequestTimeout)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Scheduler{
		ledger:   ledger,
		breakers: breakers,
		client:   client,
		config:   config,
		recorder: nopRecorder{},
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// SetRecorder replaces the metrics recorder
func (s *Scheduler) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// AddDeadLetterHandler registers a handler run after each dead letter is recorded
func (s *Scheduler) AddDeadLetterHandler(h DeadLetterHandler) {
	s.deadLetters = append(s.deadLetters, h)
}

// SetTracer replaces the tracer used for attempt spans
func (s *Scheduler) SetTracer(t trace.Tracer) {
	s.tracer = t
}

// SetSleeper replaces the backoff sleep
func (s *Scheduler) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	s.sleep = sleep
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type attemptResult struct {
	statusCode int
	body       string
	err        error
	outcome    string
	duration   time.Duration
	envelope   []byte
}

// Run delivers event to sub, retrying per the subscription's policy, and returns
// the final delivery record. Failures are recorded, never returned.
func (s *Scheduler) Run(ctx context.Context, event *Event, sub *Subscription) *Delivery {
	policy := sub.RetryPolicy
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}

	correlationID := event.CorrelationID
	if correlationID == "" {
		correlationID = event.ID
	}

	// Validated events always marshal; a nil payload is tolerated by every ledger
	eventJSON, _ := json.Marshal(event)

	now := s.now()
	delivery := &Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		URL:            sub.TargetURL,
		Payload:        eventJSON,
		Status:         DeliveryStatusPending,
		AttemptNumber:  1,
		IdempotencyKey: DeriveIdempotencyKey(event),
		CorrelationID:  correlationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx = observability.WithCorrelationID(ctx, correlationID)
	ctx = observability.WithDeliveryID(ctx, delivery.ID)
	logger := s.logger.WithFields(map[string]interface{}{
		"delivery_id":     delivery.ID,
		"subscription_id": sub.ID,
		"event_id":        event.ID,
		"event_type":      event.Type,
		"correlation_id":  correlationID,
		"endpoint":        sub.TargetURL,
	})

	// Ledger writes must land even while the process is shutting down
	storeCtx := context.WithoutCancel(ctx)

	if err := s.ledger.Create(storeCtx, delivery); err != nil {
		logger.WithError(err).Error("failed to record delivery")
	}

	defer observability.RecoverPanicWithCallback(logger, "delivery chain", func(r interface{}) {
		delivery.Status = DeliveryStatusFailed
		delivery.ErrorMessage = fmt.Sprintf("delivery aborted: panic: %v", r)
		s.persist(storeCtx, logger, delivery)
		s.recorder.RecordDeliveryOutcome(event.Type, OutcomeAborted, delivery.AttemptNumber)
	})

	var lastEnvelope []byte
	for {
		permit, ok := s.breakers.Acquire(ctx, sub.TargetURL)
		if !ok {
			delivery.Status = DeliveryStatusFailed
			delivery.ErrorMessage = circuitOpenMessage
			s.persist(storeCtx, logger, delivery)
			s.recorder.RecordDeliveryOutcome(event.Type, OutcomeCircuitOpen, delivery.AttemptNumber)
			logger.WithField("attempt", delivery.AttemptNumber).Warn("delivery skipped: circuit open")
			return delivery
		}

		result := s.attempt(ctx, logger, event, sub, delivery)
		s.recorder.RecordAttempt(event.Type, result.outcome, result.duration)
		if result.envelope != nil {
			lastEnvelope = result.envelope
		}

		delivery.HTTPStatusCode = result.statusCode
		delivery.ResponseBody = result.body
		delivery.DurationMs = result.duration.Milliseconds()

		if result.err == nil {
			s.breakers.Succeed(storeCtx, permit)
			deliveredAt := s.now()
			delivery.Status = DeliveryStatusSuccess
			delivery.ErrorMessage = ""
			delivery.DeliveredAt = &deliveredAt
			s.persist(storeCtx, logger, delivery)
			s.recorder.RecordDeliveryOutcome(event.Type, OutcomeSuccess, delivery.AttemptNumber)
			logger.WithFields(map[string]interface{}{
				"attempt":     delivery.AttemptNumber,
				"status_code": result.statusCode,
			}).Info("webhook delivered")
			return delivery
		}

		if ctx.Err() != nil {
			// cut off by shutdown, which says nothing about the endpoint
			s.breakers.Cancel(storeCtx, permit)
			delivery.Status = DeliveryStatusFailed
			delivery.ErrorMessage = fmt.Sprintf("delivery aborted: %v (last error: %s)", ctx.Err(), result.err.Error())
			s.persist(storeCtx, logger, delivery)
			s.recorder.RecordDeliveryOutcome(event.Type, OutcomeAborted, delivery.AttemptNumber)
			logger.WithField("attempt", delivery.AttemptNumber).Warn("webhook delivery aborted")
			s.deadLetter(storeCtx, logger, delivery, eventJSON, lastEnvelope)
			return delivery
		}

		s.breakers.Fail(storeCtx, permit)
		delivery.ErrorMessage = result.err.Error()

		last := delivery.AttemptNumber >= policy.MaxAttempts
		if last {
			delivery.Status = DeliveryStatusFailed
		} else {
			delivery.Status = DeliveryStatusRetrying
		}
		s.persist(storeCtx, logger, delivery)

		logger.WithError(result.err).WithFields(map[string]interface{}{
			"attempt":      delivery.AttemptNumber,
			"max_attempts": policy.MaxAttempts,
			"status_code":  result.statusCode,
		}).Warn("webhook delivery attempt failed")

		if last {
			break
		}

		delay := DelayFor(delivery.AttemptNumber, policy.Delays)
		if err := s.sleep(ctx, delay); err != nil {
			delivery.Status = DeliveryStatusFailed
			delivery.ErrorMessage = fmt.Sprintf("delivery aborted during backoff: %v (last error: %s)", err, result.err.Error())
			s.persist(storeCtx, logger, delivery)
			s.recorder.RecordDeliveryOutcome(event.Type, OutcomeAborted, delivery.AttemptNumber)
			s.deadLetter(storeCtx, logger, delivery, eventJSON, lastEnvelope)
			return delivery
		}
		delivery.AttemptNumber++
	}

	s.recorder.RecordDeliveryOutcome(event.Type, OutcomeDeadLetter, delivery.AttemptNumber)
	s.deadLetter(storeCtx, logger, delivery, eventJSON, lastEnvelope)
	return delivery
}

func (s *Scheduler) persist(ctx context.Context, logger *observability.Logger, d *Delivery) {
	d.UpdatedAt = s.now()
	if err := s.ledger.Update(ctx, d); err != nil {
		logger.WithError(err).WithField("status", string(d.Status)).Error("failed to update delivery")
	}
}

func (s *Scheduler) deadLetter(ctx context.Context, logger *observability.Logger, d *Delivery, eventJSON, envelope []byte) {
	dl := &DeadLetter{
		ID:             uuid.NewString(),
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.EventID,
		EventType:      d.EventType,
		URL:            d.URL,
		AttemptNumber:  d.AttemptNumber,
		HTTPStatusCode: d.HTTPStatusCode,
		ErrorMessage:   d.ErrorMessage,
		ResponseBody:   d.ResponseBody,
		IdempotencyKey: d.IdempotencyKey,
		CorrelationID:  d.CorrelationID,
		Event:          eventJSON,
		Envelope:       envelope,
		DeadLetteredAt: s.now(),
	}

	if err := s.ledger.AppendDeadLetter(ctx, dl); err != nil {
		logger.WithError(err).Error("failed to record dead letter")
	}
	logger.WithFields(map[string]interface{}{
		"attempts":       d.AttemptNumber,
		"dead_letter_id": dl.ID,
	}).Error("webhook delivery dead-lettered")

	for _, h := range s.deadLetters {
		func() {
			defer observability.RecoverPanic(logger, "dead letter handler")
			if err := h.HandleDeadLetter(ctx, dl); err != nil {
				logger.WithError(err).Warn("dead letter handler failed")
			}
		}()
	}
}

func (s *Scheduler) attempt(ctx context.Context, logger *observability.Logger, event *Event, sub *Subscription, d *Delivery) attemptResult {
	ctx, span := s.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.delivery_id", d.ID),
			attribute.String("webhook.subscription_id", sub.ID),
			attribute.String("webhook.event_type", event.Type),
			attribute.Int("webhook.attempt", d.AttemptNumber),
		),
	)
	defer span.End()

	observability.WithTraceContext(ctx, logger).WithField("attempt", d.AttemptNumber).Debug("sending webhook")
	result := s.send(ctx, event, sub, d)

	span.SetAttributes(attribute.String("webhook.outcome", result.outcome))
	if result.statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", result.statusCode))
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result
}

func (s *Scheduler) send(ctx context.Context, event *Event, sub *Subscription, d *Delivery) attemptResult {
	meta := EnvelopeMetadata{
		CorrelationID: d.CorrelationID,
		Environment:   s.config.Environment,
		Source:        s.config.Source,
	}

	signed, err := BuildSignedPayload(event, meta, d.IdempotencyKey, sub.Secret, s.now())
	if err != nil {
		return attemptResult{err: err, outcome: AttemptTransportError}
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.TargetURL, bytes.NewReader(signed.Body))
	if err != nil {
		return attemptResult{err: fmt.Errorf("failed to create request: %w", err), outcome: AttemptTransportError, envelope: signed.Body}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookrelay/1.0")
	req.Header.Set(HeaderSignature, signed.SignatureHeader())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(signed.TimestampSeconds(), 10))
	req.Header.Set(HeaderWebhookID, d.ID)
	req.Header.Set(HeaderCorrelationID, d.CorrelationID)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.AttemptNumber))
	req.Header.Set(HeaderIdempotencyKey, d.IdempotencyKey)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		duration := time.Since(start)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return attemptResult{
				err:      fmt.Errorf("request timed out after %s", s.config.RequestTimeout),
				outcome:  AttemptTimeout,
				duration: duration,
				envelope: signed.Body,
			}
		}
		return attemptResult{
			err:      fmt.Errorf("failed to send webhook: %w", err),
			outcome:  AttemptTransportError,
			duration: duration,
			envelope: signed.Body,
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	duration := time.Since(start)

	result := attemptResult{
		statusCode: resp.StatusCode,
		body:       string(body),
		duration:   duration,
		envelope:   signed.Body,
		outcome:    AttemptSuccess,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.err = fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
		result.outcome = AttemptHTTPError
	}
	return result
}
