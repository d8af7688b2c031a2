// Package notify alerts operators about dead letters and circuit breaker changes.
//
// A Notifier wraps one Channel (Slack, Teams or Telegram) and plugs into the
// delivery pipeline twice:
//
//	n := notify.New(notify.NewSlack(cfg.SlackWebhookURL, nil), logger)
//	scheduler.AddDeadLetterHandler(n)
//	breakers.OnStateChange(n.BreakerListener())
//
// Notification failures are logged and otherwise ignored.
package notify
