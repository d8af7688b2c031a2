package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

const subscriptionColumns = `id, name, target_url, secret, event_type_patterns, active,
	max_attempts, retry_delays_ms, created_at, updated_at`

// pqUniqueViolation is the SQLSTATE for a duplicate key
const pqUniqueViolation = "23505"

// SubscriptionStore is a webhooks.SubscriptionStore stored in PostgreSQL
type SubscriptionStore struct {
	db DB
}

var _ webhooks.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a PostgreSQL-backed subscription store
func NewSubscriptionStore(db DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func delaysToMillis(delays []time.Duration) []int64 {
	ms := make([]int64, len(delays))
	for i, d := range delays {
		ms[i] = d.Milliseconds()
	}
	return ms
}

func millisToDelays(ms []int64) []time.Duration {
	delays := make([]time.Duration, len(ms))
	for i, v := range ms {
		delays[i] = time.Duration(v) * time.Millisecond
	}
	return delays
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *webhooks.Subscription) (err error) {
	ctx, span := startSpan(ctx, "SubscriptionStore.Create", attribute.String("subscription.id", sub.ID))
	defer func() { endSpan(span, err) }()

	_, err = s.db.Primary().ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.Name, sub.TargetURL, sub.Secret, pq.Array(sub.EventTypePatterns), sub.Active,
		sub.RetryPolicy.MaxAttempts, pq.Array(delaysToMillis(sub.RetryPolicy.Delays)),
		sub.CreatedAt, sub.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*webhooks.Subscription, error) {
	var (
		sub      webhooks.Subscription
		patterns []string
		delaysMs []int64
	)
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.TargetURL, &sub.Secret, pq.Array(&patterns), &sub.Active,
		&sub.RetryPolicy.MaxAttempts, pq.Array(&delaysMs), &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.EventTypePatterns = patterns
	sub.RetryPolicy.Delays = millisToDelays(delaysMs)
	return &sub, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (sub *webhooks.Subscription, err error) {
	ctx, span := startSpan(ctx, "SubscriptionStore.Get", attribute.String("subscription.id", id))
	defer func() { endSpan(span, err) }()

	sub, err = scanSubscription(s.db.Primary().QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// List returns every subscription ordered by creation time. It reads from the
// primary so a just-registered subscription is matched by the next dispatch.
func (s *SubscriptionStore) List(ctx context.Context) (result []*webhooks.Subscription, err error) {
	ctx, span := startSpan(ctx, "SubscriptionStore.List")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.Primary().QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan subscription: %w", scanErr)
			return nil, err
		}
		result = append(result, sub)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return result, nil
}

func (s *SubscriptionStore) Update(ctx context.Context, sub *webhooks.Subscription) (err error) {
	ctx, span := startSpan(ctx, "SubscriptionStore.Update", attribute.String("subscription.id", sub.ID))
	defer func() { endSpan(span, err) }()

	result, err := s.db.Primary().ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			name = $2,
			target_url = $3,
			secret = $4,
			event_type_patterns = $5,
			active = $6,
			max_attempts = $7,
			retry_delays_ms = $8,
			updated_at = $9
		WHERE id = $1`,
		sub.ID, sub.Name, sub.TargetURL, sub.Secret, pq.Array(sub.EventTypePatterns), sub.Active,
		sub.RetryPolicy.MaxAttempts, pq.Array(delaysToMillis(sub.RetryPolicy.Delays)), sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return requireRow(result, webhooks.ErrSubscriptionNotFound)
}

func (s *SubscriptionStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "SubscriptionStore.Delete", attribute.String("subscription.id", id))
	defer func() { endSpan(span, err) }()

	result, err := s.db.Primary().ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return requireRow(result, webhooks.ErrSubscriptionNotFound)
}

// requireRow returns notFound when result touched no rows
func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
