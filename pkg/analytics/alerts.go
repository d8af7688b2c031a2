package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/notify"
	"github.com/platinummonkey/hookrelay/pkg/observability"
)

// AlertConfig sets when a subscription's day counts as unhealthy
type AlertConfig struct {
	// MinSuccessRate is the lowest acceptable share of settled deliveries
	// that succeeded, in [0, 1]
	MinSuccessRate float64
	// MinDeliveries skips subscriptions with fewer settled deliveries
	MinDeliveries int64
}

// DefaultAlertConfig alerts below 90% success on at least 20 deliveries
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{MinSuccessRate: 0.9, MinDeliveries: 20}
}

// SuccessRateAlert is a subscription whose daily success rate fell below
// the configured minimum
type SuccessRateAlert struct {
	Stats     DailyStats
	Rate      float64
	Threshold float64
}

// Alerter checks daily rollups and sends operator alerts
type Alerter struct {
	aggregator *Aggregator
	channels   []notify.Channel
	config     AlertConfig
	logger     *observability.Logger
}

// NewAlerter creates a new Alerter. With no channels it only reports.
func NewAlerter(aggregator *Aggregator, config AlertConfig, logger *observability.Logger, channels ...notify.Channel) *Alerter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Alerter{
		aggregator: aggregator,
		channels:   channels,
		config:     config,
		logger:     logger,
	}
}

// CheckSuccessRates returns the subscriptions below the threshold on date,
// worst first
func (a *Alerter) CheckSuccessRates(ctx context.Context, date time.Time) ([]SuccessRateAlert, error) {
	stats, err := a.aggregator.Day(ctx, date)
	if err != nil {
		return nil, err
	}

	var alerts []SuccessRateAlert
	for _, s := range stats {
		if s.Succeeded+s.Failed < a.config.MinDeliveries {
			continue
		}
		if rate := s.SuccessRate(); rate < a.config.MinSuccessRate {
			alerts = append(alerts, SuccessRateAlert{Stats: s, Rate: rate, Threshold: a.config.MinSuccessRate})
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Rate < alerts[j].Rate })
	return alerts, nil
}

// CheckAndNotify runs CheckSuccessRates and sends one alert per unhealthy
// subscription to every channel. It returns the number of alerts raised.
func (a *Alerter) CheckAndNotify(ctx context.Context, date time.Time) (int, error) {
	alerts, err := a.CheckSuccessRates(ctx, date)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, alert := range alerts {
		a.logger.WithFields(map[string]interface{}{
			"subscription_id": alert.Stats.SubscriptionID,
			"success_rate":    alert.Rate,
			"date":            dayStart(date).Format("2006-01-02"),
		}).Warn("Subscription success rate below threshold")

		msg := alert.Notification()
		for _, ch := range a.channels {
			if err := ch.Send(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}
	return len(alerts), errors.Join(errs...)
}

// Notification renders the alert for notify channels
func (a SuccessRateAlert) Notification() notify.Alert {
	severity := notify.SeverityWarning
	if a.Rate < a.Threshold/2 {
		severity = notify.SeverityCritical
	}
	s := a.Stats
	return notify.Alert{
		Title:    "Webhook success rate below threshold",
		Severity: severity,
		Fields: []notify.Field{
			{Name: "Subscription", Value: s.SubscriptionID, Short: true},
			{Name: "Date", Value: s.Date.UTC().Format("2006-01-02"), Short: true},
			{Name: "Success Rate", Value: fmt.Sprintf("%.1f%%", a.Rate*100), Short: true},
			{Name: "Threshold", Value: fmt.Sprintf("%.1f%%", a.Threshold*100), Short: true},
			{Name: "Failed", Value: fmt.Sprintf("%d of %d", s.Failed, s.Succeeded+s.Failed), Short: true},
			{Name: "Dead Lettered", Value: fmt.Sprintf("%d", s.DeadLettered), Short: true},
		},
		Text: fmt.Sprintf("%d server errors, %d client errors, %d transport errors", s.ServerErrors, s.ClientErrors, s.TransportErrors),
	}
}
