package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// IdempotencyStore records processed receiver keys in PostgreSQL. A key is
// reserved while its event is processed and committed afterwards; reservations
// older than StaleAfter may be taken over by a new delivery.
type IdempotencyStore struct {
	db         DB
	staleAfter time.Duration
	now        func() time.Time
}

// NewIdempotencyStore creates a store; staleAfter <= 0 means 5 minutes
func NewIdempotencyStore(db DB, staleAfter time.Duration) *IdempotencyStore {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &IdempotencyStore{
		db:         db,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reserve claims key. When the claim fails it reports whether the key was
// already committed or is reserved by a live delivery.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (result webhooks.ReserveResult, err error) {
	ctx, span := startSpan(ctx, "IdempotencyStore.Reserve", attribute.String("idempotency.key", key))
	defer func() {
		span.SetAttributes(attribute.String("idempotency.result", result.String()))
		endSpan(span, err)
	}()

	now := s.now()
	res, err := s.db.Primary().ExecContext(ctx, `
		INSERT INTO webhook_idempotency (key, status, reserved_at)
		VALUES ($1, 'processing', $2)
		ON CONFLICT (key) DO UPDATE SET reserved_at = EXCLUDED.reserved_at
		WHERE webhook_idempotency.status = 'processing'
		  AND webhook_idempotency.reserved_at < $3`,
		key, now, now.Add(-s.staleAfter),
	)
	if err != nil {
		return webhooks.InProgress, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return webhooks.InProgress, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if rows == 1 {
		return webhooks.Reserved, nil
	}

	var status string
	err = s.db.Primary().QueryRowContext(ctx,
		`SELECT status FROM webhook_idempotency WHERE key = $1`, key).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		// released since the insert; the sender's retry will claim it
		return webhooks.InProgress, nil
	}
	if err != nil {
		return webhooks.InProgress, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if status == "done" {
		return webhooks.Processed, nil
	}
	return webhooks.InProgress, nil
}

// Commit marks key as processed
func (s *IdempotencyStore) Commit(ctx context.Context, key string) (err error) {
	ctx, span := startSpan(ctx, "IdempotencyStore.Commit", attribute.String("idempotency.key", key))
	defer func() { endSpan(span, err) }()

	_, err = s.db.Primary().ExecContext(ctx,
		`UPDATE webhook_idempotency SET status = 'done', committed_at = $2 WHERE key = $1`,
		key, s.now())
	if err != nil {
		return fmt.Errorf("failed to commit idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation so the sender's retry can process the event
func (s *IdempotencyStore) Release(ctx context.Context, key string) (err error) {
	ctx, span := startSpan(ctx, "IdempotencyStore.Release", attribute.String("idempotency.key", key))
	defer func() { endSpan(span, err) }()

	_, err = s.db.Primary().ExecContext(ctx,
		`DELETE FROM webhook_idempotency WHERE key = $1 AND status = 'processing'`, key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
