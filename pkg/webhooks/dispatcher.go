package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/hookrelay/pkg/async"
	"github.com/platinummonkey/hookrelay/pkg/observability"
)

// SubscriptionLister returns the current subscriptions
type SubscriptionLister interface {
	List(ctx context.Context) ([]*Subscription, error)
}

// DeliveryRunner executes the full delivery chain for one subscription
type DeliveryRunner interface {
	Run(ctx context.Context, event *Event, sub *Subscription) *Delivery
}

// Dispatcher is the entry point for emitted events. It fans each event out to
// every matching subscription without waiting for delivery.
type Dispatcher struct {
	subscriptions SubscriptionLister
	runner        DeliveryRunner
	group         *async.Group
	recorder      Recorder
	logger        *observability.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher. Delivery chains outlive the context passed
// to Dispatch and stop only through Shutdown.
func NewDispatcher(subscriptions SubscriptionLister, runner DeliveryRunner, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{
		subscriptions: subscriptions,
		runner:        runner,
		group:         async.NewGroup(context.Background(), logger),
		recorder:      nopRecorder{},
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder replaces the metrics recorder
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	d.recorder = r
}

// Dispatch starts one delivery chain per active subscription matching the event
// type and returns how many were started. A missing event ID, timestamp or
// correlation ID is filled in on event before fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) (int, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	subs, err := d.subscriptions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	matched := MatchingSubscriptions(event.Type, subs)
	d.recorder.RecordDispatch(event.Type, len(matched))

	// chains share one read-only copy of the event
	frozen := *event
	frozen.Data = append([]byte(nil), event.Data...)

	logger := d.logger.WithFields(map[string]interface{}{
		"event_id":       frozen.ID,
		"event_type":     frozen.Type,
		"correlation_id": frozen.CorrelationID,
	})

	started := 0
	for _, sub := range matched {
		sub := sub
		err := d.group.Go("delivery "+sub.ID, func(ctx context.Context) error {
			d.runner.Run(ctx, &frozen, sub)
			return nil
		})
		if err != nil {
			logger.WithError(err).WithField("subscription_id", sub.ID).Warn("delivery not started")
			continue
		}
		started++
	}

	logger.WithFields(map[string]interface{}{
		"matched": len(matched),
		"started": started,
	}).Info("event dispatched")

	return started, nil
}

// Shutdown stops accepting events and waits for in-flight chains until ctx is
// done, after which the remaining chains are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.group.Shutdown(ctx)
}

// Wait blocks until every started chain has finished
func (d *Dispatcher) Wait() {
	d.group.Wait()
}

// InFlight returns the number of running delivery chains
func (d *Dispatcher) InFlight() int {
	return d.group.Active()
}
