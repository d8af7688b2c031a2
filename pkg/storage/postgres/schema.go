package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements create every table hookrelay uses. They are idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		target_url          TEXT NOT NULL,
		secret              TEXT NOT NULL,
		event_type_patterns TEXT[] NOT NULL,
		active              BOOLEAN NOT NULL DEFAULT TRUE,
		max_attempts        INTEGER NOT NULL,
		retry_delays_ms     BIGINT[] NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id               TEXT PRIMARY KEY,
		subscription_id  TEXT NOT NULL,
		event_id         TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		url              TEXT NOT NULL,
		payload          JSONB,
		status           TEXT NOT NULL,
		attempt_number   INTEGER NOT NULL,
		http_status_code INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT NOT NULL DEFAULT '',
		response_body    TEXT NOT NULL DEFAULT '',
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		idempotency_key  TEXT NOT NULL,
		correlation_id   TEXT NOT NULL DEFAULT '',
		delivered_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription ON webhook_deliveries (subscription_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_event ON webhook_deliveries (event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retention ON webhook_deliveries (updated_at) WHERE status IN ('success', 'failed')`,
	`CREATE TABLE IF NOT EXISTS webhook_dead_letters (
		id               TEXT PRIMARY KEY,
		delivery_id      TEXT NOT NULL,
		subscription_id  TEXT NOT NULL,
		event_id         TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		url              TEXT NOT NULL,
		attempt_number   INTEGER NOT NULL,
		http_status_code INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT NOT NULL DEFAULT '',
		response_body    TEXT NOT NULL DEFAULT '',
		idempotency_key  TEXT NOT NULL,
		correlation_id   TEXT NOT NULL DEFAULT '',
		event            JSONB NOT NULL,
		envelope         JSONB,
		dead_lettered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_dead_letters_time ON webhook_dead_letters (dead_lettered_at DESC)`,
	`CREATE TABLE IF NOT EXISTS webhook_admin_audit (
		id            BIGSERIAL PRIMARY KEY,
		timestamp     TIMESTAMPTZ NOT NULL,
		action        TEXT NOT NULL,
		status        TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id   TEXT NOT NULL DEFAULT '',
		client_ip     TEXT NOT NULL DEFAULT '',
		user_agent    TEXT NOT NULL DEFAULT '',
		request_id    TEXT NOT NULL DEFAULT '',
		method        TEXT NOT NULL,
		path          TEXT NOT NULL,
		status_code   INTEGER NOT NULL,
		duration_ms   BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_admin_audit_time ON webhook_admin_audit (timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS webhook_delivery_daily (
		subscription_id  TEXT NOT NULL,
		date             DATE NOT NULL,
		total            BIGINT NOT NULL DEFAULT 0,
		succeeded        BIGINT NOT NULL DEFAULT 0,
		failed           BIGINT NOT NULL DEFAULT 0,
		in_flight        BIGINT NOT NULL DEFAULT 0,
		dead_lettered    BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms  BIGINT NOT NULL DEFAULT 0,
		p95_duration_ms  BIGINT NOT NULL DEFAULT 0,
		total_attempts   BIGINT NOT NULL DEFAULT 0,
		client_errors    BIGINT NOT NULL DEFAULT 0,
		server_errors    BIGINT NOT NULL DEFAULT 0,
		transport_errors BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (subscription_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_delivery_daily_date ON webhook_delivery_daily (date)`,
	`CREATE TABLE IF NOT EXISTS webhook_idempotency (
		key          TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		reserved_at  TIMESTAMPTZ NOT NULL,
		committed_at TIMESTAMPTZ
	)`,
}

// EnsureSchema creates the hookrelay tables and indexes when missing
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
