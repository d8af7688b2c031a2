// Package receiver implements the receiving side of a webhook delivery.
//
// Handler checks the X-Webhook-Signature HMAC over the exact body bytes,
// rejects timestamps older than five minutes or more than a minute ahead,
// and applies each idempotency key at most once:
//
//	store := receiver.NewMemoryIdempotencyStore(0, 0)
//	handler := receiver.NewHandler(receiver.Config{Secret: secret}, store,
//		receiver.ProcessorFunc(func(ctx context.Context, env *webhooks.Envelope) error {
//			return applyInventoryChange(ctx, env.Event)
//		}), logger)
//
// An already processed key answers 200 with {"received":true,"duplicate":true}.
// A key still held by another request answers 409 with Retry-After, since that
// request may yet fail. A failed Processor releases its reservation and
// answers 500 so the sender retries.
//
// MemoryIdempotencyStore only deduplicates within one process. Receivers
// running several replicas should share the Redis or PostgreSQL stores from
// pkg/storage/postgres.
package receiver
