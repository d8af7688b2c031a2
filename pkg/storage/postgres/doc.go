// Package postgres implements hookrelay's durable backends: the delivery
// ledger, subscription store and receiver idempotency store on PostgreSQL,
// circuit breaker state and idempotency keys on Redis, and the dead-letter
// archive on S3.
//
// # PostgreSQL
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFromStorage(cfg), logger)
//	if err := postgres.EnsureSchema(ctx, cm.Primary()); err != nil {
//		return err
//	}
//	ledger := postgres.NewLedger(cm)
//	subscriptions := postgres.NewSubscriptionStore(cm)
//
// Ledger.Update uses GREATEST on attempt_number so a late writer can never
// move a delivery backwards. Listing queries go to a read replica when one is
// configured.
//
// # Redis
//
// BreakerStore implements circuitbreaker.StateStore; RedisIdempotencyStore
// reserves keys with SETNX and releases them with a compare-and-delete script.
//
// # S3
//
// S3Client implements webhooks.DeadLetterHandler and writes each dead letter
// to <prefix>/<yyyy>/<mm>/<dd>/<subscription>/<id>.json.
package postgres
