package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
)

type stubDispatcher struct {
	events []*Event
	err    error
}

func (d *stubDispatcher) Dispatch(_ context.Context, event *Event) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	if event.ID == "" {
		event.ID = "generated-id"
	}
	if event.CorrelationID == "" {
		event.CorrelationID = "generated-corr"
	}
	d.events = append(d.events, event)
	return 3, nil
}

type handlerFixture struct {
	router     *mux.Router
	manager    *SubscriptionManager
	ledger     *MemoryLedger
	breakers   *circuitbreaker.Registry
	dispatcher *stubDispatcher
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		router:     mux.NewRouter(),
		manager:    NewSubscriptionManager(NewMemorySubscriptionStore()),
		ledger:     NewMemoryLedger(100),
		breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil),
		dispatcher: &stubDispatcher{},
	}
	NewHandlers(f.manager, f.ledger, f.breakers, f.dispatcher).RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHandlers_SubscriptionLifecycle(t *testing.T) {
	f := newHandlerFixture()

	w := f.do(t, http.MethodPost, "/subscriptions", map[string]interface{}{
		"name":              "inventory",
		"targetUrl":         "https://inventory.example.com/hooks",
		"secret":            "s3cret",
		"eventTypePatterns": []string{"producto.*"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	assert.Empty(t, created.Secret)
	assert.Equal(t, 6, created.RetryPolicy.MaxAttempts)

	w = f.do(t, http.MethodGet, "/subscriptions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")

	w = f.do(t, http.MethodPut, "/subscriptions/"+created.ID, map[string]interface{}{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "renamed", updated.Name)

	w = f.do(t, http.MethodPost, "/subscriptions/"+created.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stored, err := f.manager.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	w = f.do(t, http.MethodPost, "/subscriptions/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/subscriptions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodDelete, "/subscriptions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/subscriptions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_SubscriptionValidation(t *testing.T) {
	f := newHandlerFixture()

	w := f.do(t, http.MethodPost, "/subscriptions", map[string]interface{}{
		"targetUrl":         "ftp://example.com",
		"secret":            "s",
		"eventTypePatterns": []string{"producto.*"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = f.do(t, http.MethodPut, "/subscriptions/missing", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_PublishEvent(t *testing.T) {
	f := newHandlerFixture()

	w := f.do(t, http.MethodPost, "/events", map[string]interface{}{
		"type":   "producto.creado",
		"source": "catalog",
		"data":   map[string]interface{}{"id": 7},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generated-id", resp["eventId"])
	assert.Equal(t, "generated-corr", resp["correlationId"])
	assert.Equal(t, float64(3), resp["subscriptions"])

	require.Len(t, f.dispatcher.events, 1)
	assert.JSONEq(t, `{"id":7}`, string(f.dispatcher.events[0].Data))

	w = f.do(t, http.MethodPost, "/events", map[string]interface{}{"type": "bad type"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_DeliveryQueries(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()

	d := newDelivery("d1", "sub-1", DeliveryStatusSuccess, testNow)
	d.EventID = "evt-1"
	require.NoError(t, f.ledger.Create(ctx, d))
	require.NoError(t, f.ledger.AppendDeadLetter(ctx, &DeadLetter{ID: "dl1", DeliveryID: "d0", DeadLetteredAt: testNow}))

	w := f.do(t, http.MethodGet, "/deliveries/d1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got Delivery
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "d1", got.ID)

	w = f.do(t, http.MethodGet, "/deliveries/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/subscriptions/sub-1/deliveries?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []Delivery
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodGet, "/subscriptions/sub-1/deliveries?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/subscriptions/unknown/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/events/evt-1/deliveries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(t, http.MethodGet, "/subscriptions/sub-1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats DeliveryStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Successful)

	w = f.do(t, http.MethodGet, "/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dls []DeadLetter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dls))
	require.Len(t, dls, 1)
	assert.Equal(t, "dl1", dls[0].ID)
}

func TestHandlers_Breakers(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()
	endpoint := "https://down.example.com/hooks"

	for i := 0; i < 5; i++ {
		f.breakers.RecordFailure(ctx, endpoint)
	}
	require.Equal(t, circuitbreaker.StateOpen, f.breakers.GetState(ctx, endpoint))

	w := f.do(t, http.MethodGet, "/breakers/state?endpoint="+url.QueryEscape(endpoint), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap circuitbreaker.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, circuitbreaker.StateOpen, snap.State)

	// querying endpoints the dispatcher never used must not register them
	for i := 0; i < 3; i++ {
		unknown := fmt.Sprintf("https://unused-%d.example.com/hooks", i)
		w = f.do(t, http.MethodGet, "/breakers/state?endpoint="+url.QueryEscape(unknown), nil)
		require.Equal(t, http.StatusOK, w.Code)
		var closed circuitbreaker.Snapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
		assert.Equal(t, circuitbreaker.StateClosed, closed.State)
		assert.Equal(t, unknown, closed.EndpointKey)
	}

	w = f.do(t, http.MethodGet, "/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []circuitbreaker.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 1)

	w = f.do(t, http.MethodGet, "/breakers/state", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/breakers/reset?endpoint="+url.QueryEscape(endpoint), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.GetState(ctx, endpoint))
}
