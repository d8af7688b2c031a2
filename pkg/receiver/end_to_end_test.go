package receiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/storage/postgres"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

var (
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ IdempotencyStore = (*postgres.IdempotencyStore)(nil)
	_ IdempotencyStore = (*postgres.RedisIdempotencyStore)(nil)
)

// deliver runs one scheduler chain against a live receiver
func deliver(t *testing.T, target string, processor Processor, store IdempotencyStore, events ...*webhooks.Event) (*webhooks.MemoryLedger, []*webhooks.Delivery) {
	t.Helper()

	server := httptest.NewServer(NewHandler(Config{Secret: testSecret}, store, processor, nil))
	t.Cleanup(server.Close)

	ledger := webhooks.NewMemoryLedger(100)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	scheduler := webhooks.NewScheduler(ledger, breakers, &http.Client{Timeout: 5 * time.Second}, webhooks.SchedulerConfig{
		RequestTimeout: 5 * time.Second,
		Environment:    "test",
		Source:         "catalogo",
	}, nil)
	scheduler.SetSleeper(func(context.Context, time.Duration) error { return nil })

	sub := &webhooks.Subscription{
		ID:                "sub-erp",
		TargetURL:         server.URL + target,
		Secret:            testSecret,
		EventTypePatterns: []string{"producto.*"},
		Active:            true,
		RetryPolicy:       webhooks.RetryPolicy{MaxAttempts: 3, Delays: []time.Duration{time.Second}},
	}

	var deliveries []*webhooks.Delivery
	for _, event := range events {
		deliveries = append(deliveries, scheduler.Run(context.Background(), event, sub))
	}
	return ledger, deliveries
}

func freshEvent() *webhooks.Event {
	event := testEvent()
	event.Timestamp = time.Now().UTC()
	return event
}

func TestEndToEnd_RetryAfterReceiverFailure(t *testing.T) {
	processor := &countingProcessor{failures: 1}

	_, deliveries := deliver(t, "/webhooks", processor, NewMemoryIdempotencyStore(100, time.Hour), freshEvent())

	d := deliveries[0]
	assert.Equal(t, webhooks.DeliveryStatusSuccess, d.Status)
	assert.Equal(t, 2, d.AttemptNumber)
	assert.Equal(t, 1, processor.Count())
	assert.Equal(t, "test", processor.processed[0].Metadata.Environment)
}

func TestEndToEnd_RedeliveryIsAppliedOnce(t *testing.T) {
	processor := &countingProcessor{}

	// the same logical event delivered twice, as after a lost acknowledgement
	_, deliveries := deliver(t, "/webhooks", processor, NewMemoryIdempotencyStore(100, time.Hour), freshEvent(), freshEvent())

	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.Equal(t, webhooks.DeliveryStatusSuccess, d.Status)
	}
	assert.Equal(t, deliveries[0].IdempotencyKey, deliveries[1].IdempotencyKey)
	assert.Contains(t, deliveries[1].ResponseBody, `"duplicate":true`)
	assert.Equal(t, 1, processor.Count())
}

func TestEndToEnd_RedisStoreSharedAcrossReceivers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	processor := &countingProcessor{}
	event := freshEvent()

	// two receiver replicas share one Redis store
	_, first := deliver(t, "/a", processor, postgres.NewRedisIdempotencyStore(client, "receiver", 0, 0), event)
	_, second := deliver(t, "/b", processor, postgres.NewRedisIdempotencyStore(client, "receiver", 0, 0), event)

	assert.Equal(t, webhooks.DeliveryStatusSuccess, first[0].Status)
	assert.Equal(t, webhooks.DeliveryStatusSuccess, second[0].Status)
	assert.Contains(t, second[0].ResponseBody, `"duplicate":true`)
	assert.Equal(t, 1, processor.Count())
}
