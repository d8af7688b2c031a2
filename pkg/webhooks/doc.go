// Package webhooks delivers domain events to registered subscriber endpoints.
//
// # Overview
//
// An emitted Event is handed to the Dispatcher, which finds every active
// Subscription whose patterns match the event type and starts one independent
// delivery chain per match. Each chain (the Scheduler) checks the endpoint's
// circuit breaker, signs a fresh envelope, POSTs it and records the outcome in
// the Ledger, retrying on the subscription's RetryPolicy until it succeeds,
// the breaker opens, or attempts run out and a DeadLetter is written.
//
// # Usage Example
//
//	ledger := webhooks.NewMemoryLedger(10000)
//	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
//	scheduler := webhooks.NewScheduler(ledger, breakers, nil, webhooks.SchedulerConfig{}, logger)
//
//	manager := webhooks.NewSubscriptionManager(webhooks.NewMemorySubscriptionStore())
//	manager.Register(ctx, &webhooks.Subscription{
//		TargetURL:         "https://api.example.com/webhooks",
//		Secret:            "webhook-secret",
//		EventTypePatterns: []string{"producto.*"},
//	})
//
//	dispatcher := webhooks.NewDispatcher(manager, scheduler, logger)
//	event, _ := webhooks.NewEvent("producto.creado", "catalog", product)
//	dispatcher.Dispatch(ctx, event)
//
// Receivers verify deliveries with pkg/receiver.
//
// # Patterns
//
// "producto.creado" matches only that type. "producto.*" matches any type
// below "producto.", such as "producto.creado" or "producto.stock.bajo".
//
// # Retry Policy
//
// Default: 6 attempts, waiting 1m, 5m, 30m, 2h and 12h between them. Each
// attempt times out after 10s (at most 30s).
//
// # Related Packages
//
//   - pkg/circuitbreaker: per-endpoint isolation
//   - pkg/signature: canonical JSON and HMAC signing
//   - pkg/storage/postgres: durable Ledger and SubscriptionStore
package webhooks
