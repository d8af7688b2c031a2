// Package storage holds the configuration shared by hookrelay's persistence
// backends.
//
// Two ledger backends exist: the bounded in-memory ledger from pkg/webhooks
// (Type "memory") and the PostgreSQL ledger in pkg/storage/postgres
// (Type "postgres"). Redis is optional and, when configured, keeps circuit
// breaker state across restarts and backs the receiver's idempotency store.
// Setting S3Bucket enables archiving of dead letters to S3.
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = storage.TypePostgres
//	cfg.PostgresURL = "postgres://hookrelay@localhost:5432/hookrelay?sslmode=disable"
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//
// # Related Packages
//
//   - pkg/storage/postgres: PostgreSQL, Redis and S3 implementations
//   - pkg/config: loads this Config from HOOKRELAY_* environment variables
package storage
