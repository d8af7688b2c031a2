package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/signature"
)

// countingRecorder captures delivery outcomes
type countingRecorder struct {
	mu       sync.Mutex
	attempts []string
	outcomes []string
}

func (r *countingRecorder) RecordDispatch(string, int) {}

func (r *countingRecorder) RecordAttempt(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, outcome)
}

func (r *countingRecorder) RecordDeliveryOutcome(_ string, outcome string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func lenientBreaker() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 100
	return cfg
}

func TestScheduler_DeliversOnFirstAttempt(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK)
	f := newFixture(t, circuitbreaker.DefaultConfig())
	rec := &countingRecorder{}
	f.scheduler.SetRecorder(rec)

	sub := testSubscription(ep.URL())
	d := f.scheduler.Run(context.Background(), testEvent(t), sub)

	assert.Equal(t, DeliveryStatusSuccess, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
	assert.Equal(t, http.StatusOK, d.HTTPStatusCode)
	assert.Empty(t, d.ErrorMessage)
	require.NotNil(t, d.DeliveredAt)
	assert.Equal(t, 1, ep.Calls())
	assert.Empty(t, f.sleeper.Delays())
	assert.Equal(t, []string{OutcomeSuccess}, rec.outcomes)

	stored, err := f.ledger.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusSuccess, stored.Status)
	assert.Equal(t, "producto.creado-42-creado-2026-10-15", stored.IdempotencyKey)
}

func TestScheduler_SetsSignedHeaders(t *testing.T) {
	ep := newEndpoint(t, http.StatusNoContent)
	f := newFixture(t, circuitbreaker.DefaultConfig())

	sub := testSubscription(ep.URL())
	d := f.scheduler.Run(context.Background(), testEvent(t), sub)
	require.Equal(t, DeliveryStatusSuccess, d.Status)

	req, body := ep.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, d.ID, req.Header.Get(HeaderWebhookID))
	assert.Equal(t, "corr-1", req.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "producto.creado", req.Header.Get(HeaderEvent))
	assert.Equal(t, "1", req.Header.Get(HeaderAttempt))
	assert.Equal(t, d.IdempotencyKey, req.Header.Get(HeaderIdempotencyKey))
	assert.True(t, signature.Verify(body, req.Header.Get(HeaderSignature), sub.Secret))

	ts, err := strconv.ParseInt(req.Header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, signature.ValidateTimestamp(ts, 0))
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	f := newFixture(t, circuitbreaker.DefaultConfig())

	d := f.scheduler.Run(context.Background(), testEvent(t), testSubscription(ep.URL()))

	assert.Equal(t, DeliveryStatusSuccess, d.Status)
	assert.Equal(t, 3, d.AttemptNumber)
	assert.Equal(t, 3, ep.Calls())
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute}, f.sleeper.Delays())
	assert.Equal(t, 0, f.sink.Count())

	// every attempt carries the same idempotency key and its own attempt number
	for i := 0; i < 3; i++ {
		req, _ := ep.Request(i)
		assert.Equal(t, d.IdempotencyKey, req.Header.Get(HeaderIdempotencyKey))
		assert.Equal(t, strconv.Itoa(i+1), req.Header.Get(HeaderAttempt))
	}

	// a success after failures keeps the breaker closed
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.GetState(context.Background(), ep.URL()))
}

func TestScheduler_ExhaustedAttemptsDeadLetter(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	f := newFixture(t, lenientBreaker())
	rec := &countingRecorder{}
	f.scheduler.SetRecorder(rec)

	event := testEvent(t)
	d := f.scheduler.Run(context.Background(), event, testSubscription(ep.URL()))

	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 6, d.AttemptNumber)
	assert.Equal(t, 6, ep.Calls())
	assert.Equal(t, http.StatusInternalServerError, d.HTTPStatusCode)
	assert.Equal(t, "webhook returned non-2xx status: 500", d.ErrorMessage)
	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour,
	}, f.sleeper.Delays())

	dls, err := f.ledger.ListDeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	dl := dls[0]
	assert.Equal(t, d.ID, dl.DeliveryID)
	assert.Equal(t, "evt-1", dl.EventID)
	assert.Equal(t, 6, dl.AttemptNumber)
	assert.NotEmpty(t, dl.Envelope)
	assert.JSONEq(t, string(d.Payload), string(dl.Event))

	assert.Equal(t, 1, f.sink.Count())
	assert.Len(t, rec.attempts, 6)
	assert.Equal(t, []string{OutcomeDeadLetter}, rec.outcomes)
}

func TestScheduler_BreakerOpensAndSkips(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	f := newFixture(t, circuitbreaker.DefaultConfig())
	sub := testSubscription(ep.URL())
	ctx := context.Background()

	// five consecutive 500s open the breaker before the sixth attempt
	first := f.scheduler.Run(ctx, testEvent(t), sub)
	assert.Equal(t, 5, ep.Calls())
	assert.Equal(t, DeliveryStatusFailed, first.Status)
	assert.Equal(t, circuitOpenMessage, first.ErrorMessage)
	assert.Equal(t, 6, first.AttemptNumber)
	assert.Equal(t, circuitbreaker.StateOpen, f.breakers.GetState(ctx, sub.TargetURL))
	assert.Equal(t, 0, f.sink.Count())

	// the next delivery to the same endpoint makes no request at all
	event := testEvent(t)
	event.ID = "evt-2"
	second := f.scheduler.Run(ctx, event, sub)
	assert.Equal(t, 5, ep.Calls())
	assert.Equal(t, DeliveryStatusFailed, second.Status)
	assert.Equal(t, circuitOpenMessage, second.ErrorMessage)
	assert.Equal(t, 1, second.AttemptNumber)

	stored, err := f.ledger.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, circuitOpenMessage, stored.ErrorMessage)
}

func TestScheduler_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	ledger := NewMemoryLedger(10)
	scheduler := NewScheduler(ledger, breakers, &http.Client{}, SchedulerConfig{RequestTimeout: 50 * time.Millisecond}, nil)
	scheduler.SetSleeper((&recordingSleeper{}).Sleep)

	sub := testSubscription(server.URL)
	sub.RetryPolicy = RetryPolicy{MaxAttempts: 1}

	d := scheduler.Run(context.Background(), testEvent(t), sub)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, "request timed out after 50ms", d.ErrorMessage)
	assert.Zero(t, d.HTTPStatusCode)
}

func TestScheduler_AbortedDuringBackoff(t *testing.T) {
	ep := newEndpoint(t, http.StatusServiceUnavailable)
	f := newFixture(t, circuitbreaker.DefaultConfig())
	rec := &countingRecorder{}
	f.scheduler.SetRecorder(rec)
	f.scheduler.SetSleeper(func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	})

	d := f.scheduler.Run(context.Background(), testEvent(t), testSubscription(ep.URL()))

	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
	assert.Contains(t, d.ErrorMessage, "delivery aborted during backoff")
	assert.Contains(t, d.ErrorMessage, "non-2xx status: 503")
	assert.Equal(t, 1, f.sink.Count())
	assert.Equal(t, []string{OutcomeAborted}, rec.outcomes)
}

func TestScheduler_DeadLetterHandlerFailureIsContained(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError)
	f := newFixture(t, lenientBreaker())
	f.scheduler.AddDeadLetterHandler(DeadLetterHandlerFunc(func(context.Context, *DeadLetter) error {
		return errors.New("archive unavailable")
	}))
	f.scheduler.AddDeadLetterHandler(DeadLetterHandlerFunc(func(context.Context, *DeadLetter) error {
		panic("boom")
	}))
	after := &deadLetterSink{}
	f.scheduler.AddDeadLetterHandler(after)

	sub := testSubscription(ep.URL())
	sub.RetryPolicy = RetryPolicy{MaxAttempts: 2, Delays: []time.Duration{time.Second}}

	d := f.scheduler.Run(context.Background(), testEvent(t), sub)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 1, f.sink.Count())
	assert.Equal(t, 1, after.Count())
}

func TestScheduler_TracesEachAttempt(t *testing.T) {
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusOK)
	f := newFixture(t, circuitbreaker.DefaultConfig())

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f.scheduler.SetTracer(tp.Tracer("test"))

	d := f.scheduler.Run(context.Background(), testEvent(t), testSubscription(ep.URL()))
	require.Equal(t, DeliveryStatusSuccess, d.Status)

	var deliver, client []sdktrace.ReadOnlySpan
	for _, span := range spans.Ended() {
		if span.Name() == "webhook.deliver" {
			deliver = append(deliver, span)
		} else {
			client = append(client, span)
		}
	}
	require.Len(t, deliver, 2)
	assert.Equal(t, codes.Error, deliver[0].Status().Code)
	assert.Equal(t, codes.Ok, deliver[1].Status().Code)

	// the instrumented client adds one HTTP span under each attempt
	require.Len(t, client, 2)
	parents := map[trace.SpanID]bool{
		deliver[0].SpanContext().SpanID(): true,
		deliver[1].SpanContext().SpanID(): true,
	}
	for _, span := range client {
		assert.True(t, parents[span.Parent().SpanID()], "span %q is not under an attempt", span.Name())
	}
}

func TestScheduler_ShutdownAbortDoesNotTripBreaker(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 1
	f := newFixture(t, cfg)
	rec := &countingRecorder{}
	f.scheduler.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()

	sub := testSubscription(server.URL)
	d := f.scheduler.Run(ctx, testEvent(t), sub)

	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 1, d.AttemptNumber)
	assert.Contains(t, d.ErrorMessage, "delivery aborted: context canceled")
	assert.Equal(t, []string{OutcomeAborted}, rec.outcomes)
	assert.Equal(t, 1, f.sink.Count())
	assert.Empty(t, f.sleeper.Delays())

	snap := f.breakers.Snapshot(context.Background(), sub.TargetURL)
	assert.Equal(t, circuitbreaker.StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Nil(t, snap.LastFailureAt)
}

func TestScheduler_ShutdownAbortReturnsTrialSlot(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	f := newFixture(t, circuitbreaker.DefaultConfig())
	sub := testSubscription(server.URL)
	bg := context.Background()

	// open the breaker and let its timeout pass so the next attempt is a trial
	for i := 0; i < 5; i++ {
		f.breakers.RecordFailure(bg, sub.TargetURL)
	}
	clock := testNow.Add(time.Minute)
	f.breakers.SetClock(func() time.Time { return clock })

	ctx, cancel := context.WithCancel(bg)
	go func() {
		<-arrived
		cancel()
	}()
	d := f.scheduler.Run(ctx, testEvent(t), sub)
	require.Contains(t, d.ErrorMessage, "delivery aborted")

	snap := f.breakers.Snapshot(bg, sub.TargetURL)
	assert.Equal(t, circuitbreaker.StateHalfOpen, snap.State)
	assert.Zero(t, snap.HalfOpenInFlight)
	assert.True(t, f.breakers.CanExecute(bg, sub.TargetURL), "another instance may run the trial")
}
