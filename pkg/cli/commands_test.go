package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

const applyYAML = `
subscriptions:
  - id: erp
    name: ERP sync
    targetUrl: https://erp.example.com/hooks
    secret: erp-secret
    eventTypes: ["producto.*"]
  - id: crm
    targetUrl: https://crm.example.com/hooks
    secret: crm-secret
    eventTypes: ["cliente.actualizado"]
    active: false
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyAndListSubscriptions(t *testing.T) {
	f := newAdminFixture(t)
	out := captureOutput(t)
	path := writeFile(t, "subscriptions.yaml", applyYAML)

	require.NoError(t, execute(t, append([]string{"apply"}, f.serverArgs("-file", path)...)...))
	assert.Contains(t, out.String(), "Applied 2 subscriptions (2 created, 0 updated)")

	crm, err := f.manager.Get(context.Background(), "crm")
	require.NoError(t, err)
	assert.False(t, crm.Active)

	out.Reset()
	require.NoError(t, execute(t, append([]string{"apply"}, f.serverArgs("-file", path)...)...))
	assert.Contains(t, out.String(), "(0 created, 2 updated)")

	out.Reset()
	require.NoError(t, execute(t, append([]string{"subscriptions"}, f.serverArgs()...)...))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "EVENT TYPES")
	assert.Contains(t, out.String(), "https://erp.example.com/hooks")
	assert.NotContains(t, out.String(), "erp-secret")
}

func TestApply_Errors(t *testing.T) {
	f := newAdminFixture(t)
	captureOutput(t)

	err := execute(t, append([]string{"apply"}, f.serverArgs()...)...)
	assert.EqualError(t, err, "file is required")

	invalid := writeFile(t, "bad.yaml", "subscriptions:\n  - id: x\n    targetUrl: ftp://x\n    secret: s\n    eventTypes: [a]\n")
	assert.Error(t, execute(t, append([]string{"apply"}, f.serverArgs("-file", invalid)...)...))
}

func TestSubscriptions_Unauthorized(t *testing.T) {
	f := newAdminFixture(t)
	captureOutput(t)

	err := execute(t, "subscriptions", "-server", f.server.URL, "-token", "wrong")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestPublish(t *testing.T) {
	f := newAdminFixture(t)
	out := captureOutput(t)

	require.NoError(t, execute(t, append([]string{"publish"},
		f.serverArgs("-type", "producto.creado", "-data", `{"id":"42"}`, "-correlation-id", "corr-7")...)...))

	assert.Contains(t, out.String(), "Published event evt-generated (correlation corr-7) to 2 subscriptions")
	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "producto.creado", events[0].Type)
	assert.JSONEq(t, `{"id":"42"}`, string(events[0].Data))
}

func TestPublish_DataFile(t *testing.T) {
	f := newAdminFixture(t)
	captureOutput(t)
	path := writeFile(t, "data.json", `{"id":"7","precio":10}`)

	require.NoError(t, execute(t, append([]string{"publish"}, f.serverArgs("-type", "producto.actualizado", "-data-file", path)...)...))
	events := f.dispatcher.Events()
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"id":"7","precio":10}`, string(events[0].Data))
}

func TestPublish_Errors(t *testing.T) {
	f := newAdminFixture(t)
	captureOutput(t)
	path := writeFile(t, "data.json", `{}`)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing type", nil, "type is required"},
		{"invalid json", []string{"-type", "a.b", "-data", "{nope"}, "not valid JSON"},
		{"data and file", []string{"-type", "a.b", "-data", "{}", "-data-file", path}, "mutually exclusive"},
		{"rejected by server", []string{"-type", "bad type"}, "400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := execute(t, append([]string{"publish"}, f.serverArgs(tt.args...)...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeliveriesAndDeadLetters(t *testing.T) {
	f := newAdminFixture(t)
	out := captureOutput(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, f.ledger.Create(ctx, &webhooks.Delivery{
		ID:             "del-1",
		SubscriptionID: "erp",
		EventID:        "evt-1",
		EventType:      "producto.creado",
		URL:            "https://erp.example.com/hooks",
		Status:         webhooks.DeliveryStatusFailed,
		AttemptNumber:  6,
		HTTPStatusCode: 503,
		ErrorMessage:   "service unavailable",
		IdempotencyKey: "k",
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	require.NoError(t, f.ledger.AppendDeadLetter(ctx, &webhooks.DeadLetter{
		ID:             "dl-1",
		DeliveryID:     "del-1",
		SubscriptionID: "erp",
		EventID:        "evt-1",
		EventType:      "producto.creado",
		AttemptNumber:  6,
		HTTPStatusCode: 503,
		ErrorMessage:   "service unavailable",
		Event:          json.RawMessage(`{}`),
		DeadLetteredAt: now,
	}))

	require.NoError(t, execute(t, append([]string{"deliveries"}, f.serverArgs("-event", "evt-1")...)...))
	assert.Contains(t, out.String(), "del-1")
	assert.Contains(t, out.String(), "503")

	out.Reset()
	require.NoError(t, execute(t, append([]string{"deliveries"}, f.serverArgs("-subscription", "erp", "-limit", "5")...)...))
	assert.Contains(t, out.String(), "del-1")

	out.Reset()
	require.NoError(t, execute(t, append([]string{"dead-letters"}, f.serverArgs()...)...))
	assert.Contains(t, out.String(), "2026-10-15 12:00:00")
	assert.Contains(t, out.String(), "service unavailable")

	err := execute(t, append([]string{"deliveries"}, f.serverArgs()...)...)
	assert.EqualError(t, err, "event or subscription is required")
	err = execute(t, append([]string{"deliveries"}, f.serverArgs("-event", "a", "-subscription", "b")...)...)
	assert.EqualError(t, err, "event and subscription are mutually exclusive")
}

func TestBreakersAndReset(t *testing.T) {
	f := newAdminFixture(t)
	out := captureOutput(t)
	ctx := context.Background()
	endpoint := "https://erp.example.com"

	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		f.breakers.RecordFailure(ctx, endpoint)
	}

	require.NoError(t, execute(t, append([]string{"breakers"}, f.serverArgs()...)...))
	assert.Contains(t, out.String(), endpoint)
	assert.Contains(t, out.String(), "OPEN")

	out.Reset()
	require.NoError(t, execute(t, append([]string{"reset-breaker"}, f.serverArgs("-endpoint", endpoint)...)...))
	assert.Contains(t, out.String(), "Breaker for https://erp.example.com is now CLOSED")
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.GetState(ctx, endpoint))

	err := execute(t, append([]string{"reset-breaker"}, f.serverArgs()...)...)
	assert.EqualError(t, err, "endpoint is required")
}
