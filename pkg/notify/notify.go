package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/async"
	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

const sendTimeout = 10 * time.Second

// Alert is a channel-neutral operator notification
type Alert struct {
	Title    string
	Severity Severity
	Fields   []Field
	Text     string
}

// Field is one labelled value in an alert
type Field struct {
	Name  string
	Value string
	Short bool
}

// Severity selects the alert color
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Channel delivers an alert to one destination
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Notifier turns dead letters and breaker transitions into alerts on a Channel.
// Send failures are logged, never returned to the delivery pipeline.
type Notifier struct {
	channel Channel
	logger  *observability.Logger
}

// New wraps channel in a Notifier
func New(channel Channel, logger *observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Notifier{
		channel: channel,
		logger:  logger.WithField("channel", channel.Name()),
	}
}

// HandleDeadLetter implements webhooks.DeadLetterHandler
func (n *Notifier) HandleDeadLetter(ctx context.Context, dl *webhooks.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := n.channel.Send(ctx, DeadLetterAlert(dl)); err != nil {
		n.logger.WithError(err).WithField("delivery_id", dl.DeliveryID).Warn("failed to send dead letter notification")
	}
	return nil
}

// BreakerListener returns a listener that alerts when a breaker opens or closes
// again. Alerts are sent in the background so breaker callers never block.
func (n *Notifier) BreakerListener() circuitbreaker.StateChangeListener {
	return func(ctx context.Context, from, to circuitbreaker.State, snap circuitbreaker.Snapshot) {
		if to == circuitbreaker.StateHalfOpen {
			return
		}
		alert := BreakerAlert(from, to, snap)
		async.SafeGo(context.WithoutCancel(ctx), n.logger, sendTimeout, "breaker notification", func(ctx context.Context) error {
			return n.channel.Send(ctx, alert)
		})
	}
}

// DeadLetterAlert describes an exhausted delivery
func DeadLetterAlert(dl *webhooks.DeadLetter) Alert {
	fields := []Field{
		{Name: "Event Type", Value: dl.EventType, Short: true},
		{Name: "Event ID", Value: dl.EventID, Short: true},
		{Name: "Subscription", Value: dl.SubscriptionID, Short: true},
		{Name: "Attempts", Value: fmt.Sprintf("%d", dl.AttemptNumber), Short: true},
		{Name: "Endpoint", Value: dl.URL, Short: false},
	}
	if dl.HTTPStatusCode != 0 {
		fields = append(fields, Field{Name: "Last Status", Value: fmt.Sprintf("%d", dl.HTTPStatusCode), Short: true})
	}

	return Alert{
		Title:    "Webhook delivery dead-lettered",
		Severity: SeverityCritical,
		Fields:   fields,
		Text:     dl.ErrorMessage,
	}
}

// BreakerAlert describes a breaker transition
func BreakerAlert(from, to circuitbreaker.State, snap circuitbreaker.Snapshot) Alert {
	alert := Alert{
		Fields: []Field{
			{Name: "Endpoint", Value: snap.EndpointKey, Short: false},
			{Name: "Transition", Value: fmt.Sprintf("%s → %s", from, to), Short: true},
			{Name: "Failures", Value: fmt.Sprintf("%d", snap.FailureCount), Short: true},
		},
	}

	switch to {
	case circuitbreaker.StateOpen:
		alert.Title = "Circuit opened"
		alert.Severity = SeverityWarning
		alert.Text = "Deliveries to this endpoint are suspended until the open timeout elapses."
	default:
		alert.Title = "Circuit closed"
		alert.Severity = SeverityInfo
		alert.Text = "Deliveries to this endpoint have resumed."
	}
	return alert
}

// sendJSON posts payload to url and treats any non-2xx status as an error
func sendJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: sendTimeout}
}
