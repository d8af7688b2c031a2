package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// endpoint is an httptest server answering with a scripted sequence of status codes
type endpoint struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   [][]byte
	server   *httptest.Server
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	t.Helper()
	e := &endpoint{statuses: statuses}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		e.mu.Lock()
		idx := len(e.requests)
		e.requests = append(e.requests, r)
		e.bodies = append(e.bodies, body)
		status := http.StatusOK
		if len(e.statuses) > 0 {
			if idx < len(e.statuses) {
				status = e.statuses[idx]
			} else {
				status = e.statuses[len(e.statuses)-1]
			}
		}
		e.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status)))
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *endpoint) URL() string {
	return e.server.URL + "/hooks"
}

func (e *endpoint) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *endpoint) Request(i int) (*http.Request, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[i], e.bodies[i]
}

// recordingSleeper returns immediately and remembers every requested delay
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type deadLetterSink struct {
	mu  sync.Mutex
	got []*DeadLetter
}

func (s *deadLetterSink) HandleDeadLetter(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, dl)
	return nil
}

func (s *deadLetterSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type fixture struct {
	ledger    *MemoryLedger
	breakers  *circuitbreaker.Registry
	scheduler *Scheduler
	sleeper   *recordingSleeper
	sink      *deadLetterSink
}

func newFixture(t *testing.T, breakerCfg circuitbreaker.Config) *fixture {
	t.Helper()

	breakers := circuitbreaker.NewRegistry(breakerCfg, nil)
	breakers.SetClock(func() time.Time { return testNow })

	ledger := NewMemoryLedger(1000)
	scheduler := NewScheduler(ledger, breakers, nil, SchedulerConfig{
		RequestTimeout: 2 * time.Second,
		Environment:    "test",
		Source:         "hookrelay",
	}, nil)

	sleeper := &recordingSleeper{}
	scheduler.SetSleeper(sleeper.Sleep)
	sink := &deadLetterSink{}
	scheduler.AddDeadLetterHandler(sink)

	return &fixture{
		ledger:    ledger,
		breakers:  breakers,
		scheduler: scheduler,
		sleeper:   sleeper,
		sink:      sink,
	}
}

func testEvent(t *testing.T) *Event {
	t.Helper()
	ev, err := NewEvent("producto.creado", "catalog", map[string]interface{}{"id": 42, "nombre": "Teclado"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	ev.ID = "evt-1"
	ev.Timestamp = testNow
	ev.CorrelationID = "corr-1"
	return ev
}

func testSubscription(url string) *Subscription {
	return &Subscription{
		ID:                "sub-1",
		Name:              "inventory",
		TargetURL:         url,
		Secret:            "webhook_secret",
		EventTypePatterns: []string{"producto.*"},
		Active:            true,
		RetryPolicy:       DefaultRetryPolicy(),
	}
}
