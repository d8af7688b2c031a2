package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/middleware"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

const testToken = "ops-token"

// fakeDispatcher records published events instead of delivering them
type fakeDispatcher struct {
	mu     sync.Mutex
	events []*webhooks.Event
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, event *webhooks.Event) (int, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if event.ID == "" {
		event.ID = "evt-generated"
	}
	if event.CorrelationID == "" {
		event.CorrelationID = "corr-generated"
	}
	d.events = append(d.events, event)
	return 2, nil
}

func (d *fakeDispatcher) Events() []*webhooks.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*webhooks.Event(nil), d.events...)
}

type adminFixture struct {
	server     *httptest.Server
	manager    *webhooks.SubscriptionManager
	ledger     *webhooks.MemoryLedger
	breakers   *circuitbreaker.Registry
	dispatcher *fakeDispatcher
}

// serverArgs are the connection flags every API command needs
func (f *adminFixture) serverArgs(extra ...string) []string {
	return append([]string{"-server", f.server.URL, "-token", testToken}, extra...)
}

// newAdminFixture serves the real admin API over in-memory stores
func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	f := &adminFixture{
		manager:    webhooks.NewSubscriptionManager(webhooks.NewMemorySubscriptionStore()),
		ledger:     webhooks.NewMemoryLedger(100),
		breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), observability.NopLogger()),
		dispatcher: &fakeDispatcher{},
	}

	router := mux.NewRouter()
	router.Use(middleware.NewAuthMiddleware([]string{testToken}).Handler)
	webhooks.NewHandlers(f.manager, f.ledger, f.breakers, f.dispatcher).RegisterRoutes(router)

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

// captureOutput redirects command output for the duration of the test
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	require.NotEmpty(t, args)
	return NewRootCommand().Execute(args)
}
