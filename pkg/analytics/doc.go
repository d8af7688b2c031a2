// Package analytics rolls webhook deliveries up into per-subscription daily
// statistics and alerts when a subscription's success rate drops.
//
// # Aggregation
//
// AggregateDaily reads webhook_deliveries and webhook_dead_letters for one
// UTC day and upserts one webhook_delivery_daily row per subscription:
//
//	aggregator := analytics.NewAggregator(db)
//	err := aggregator.AggregateDaily(ctx, time.Now().AddDate(0, 0, -1))
//
// Rows are keyed by (subscription_id, date) so a day can be re-aggregated
// after late retries settle.
//
// # Alerts
//
// An Alerter compares each subscription's success rate, succeeded over
// succeeded plus failed, against AlertConfig and sends a notify.Alert per
// offender:
//
//	alerter := analytics.NewAlerter(aggregator, analytics.DefaultAlertConfig(), logger, slack)
//	raised, err := alerter.CheckAndNotify(ctx, yesterday)
//
// Deliveries still pending or retrying do not count toward the rate.
//
// # Admin API
//
//	GET /subscriptions/{id}/daily?days=7
//	GET /analytics/daily?date=2026-01-15
package analytics
