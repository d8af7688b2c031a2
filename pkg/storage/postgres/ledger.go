package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

var tracer = otel.Tracer("hookrelay/storage/postgres")

const deliveryColumns = `id, subscription_id, event_id, event_type, url, payload, status,
	attempt_number, http_status_code, error_message, response_body, duration_ms,
	idempotency_key, correlation_id, delivered_at, created_at, updated_at`

const deadLetterColumns = `id, delivery_id, subscription_id, event_id, event_type, url,
	attempt_number, http_status_code, error_message, response_body, idempotency_key,
	correlation_id, event, envelope, dead_lettered_at`

// Ledger is a webhooks.Ledger stored in PostgreSQL. Writes go to the primary;
// listing queries may be served by a replica.
type Ledger struct {
	db DB
}

var _ webhooks.Ledger = (*Ledger)(nil)

// NewLedger creates a PostgreSQL-backed delivery ledger
func NewLedger(db DB) *Ledger {
	return &Ledger{db: db}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// jsonParam passes raw JSON as text; lib/pq would send []byte as bytea
func jsonParam(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// limitParam maps a non-positive limit to NULL, which PostgreSQL treats as LIMIT ALL
func limitParam(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (l *Ledger) Create(ctx context.Context, d *webhooks.Delivery) (err error) {
	ctx, span := startSpan(ctx, "Ledger.Create", attribute.String("delivery.id", d.ID))
	defer func() { endSpan(span, err) }()

	_, err = l.db.Primary().ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.URL, jsonParam(d.Payload), string(d.Status),
		d.AttemptNumber, d.HTTPStatusCode, d.ErrorMessage, d.ResponseBody, d.DurationMs,
		d.IdempotencyKey, d.CorrelationID, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of a delivery. The stored attempt
// number only ever grows.
func (l *Ledger) Update(ctx context.Context, d *webhooks.Delivery) (err error) {
	ctx, span := startSpan(ctx, "Ledger.Update",
		attribute.String("delivery.id", d.ID),
		attribute.Int("delivery.attempt", d.AttemptNumber),
	)
	defer func() { endSpan(span, err) }()

	result, err := l.db.Primary().ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			payload = COALESCE($2, payload),
			status = $3,
			attempt_number = GREATEST(attempt_number, $4),
			http_status_code = $5,
			error_message = $6,
			response_body = $7,
			duration_ms = $8,
			delivered_at = $9,
			updated_at = $10
		WHERE id = $1`,
		d.ID, jsonParam(d.Payload), string(d.Status), d.AttemptNumber, d.HTTPStatusCode,
		d.ErrorMessage, d.ResponseBody, d.DurationMs, d.DeliveredAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return requireRow(result, webhooks.ErrDeliveryNotFound)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*webhooks.Delivery, error) {
	var (
		d           webhooks.Delivery
		status      string
		payload     []byte
		deliveredAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.URL, &payload, &status,
		&d.AttemptNumber, &d.HTTPStatusCode, &d.ErrorMessage, &d.ResponseBody, &d.DurationMs,
		&d.IdempotencyKey, &d.CorrelationID, &deliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = webhooks.DeliveryStatus(status)
	if len(payload) > 0 {
		d.Payload = json.RawMessage(payload)
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (d *webhooks.Delivery, err error) {
	ctx, span := startSpan(ctx, "Ledger.Get", attribute.String("delivery.id", id))
	defer func() { endSpan(span, err) }()

	row := l.db.Primary().QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err = scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhooks.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

func (l *Ledger) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]*webhooks.Delivery, error) {
	rows, err := l.db.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*webhooks.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// FindBySubscription returns the newest deliveries first
func (l *Ledger) FindBySubscription(ctx context.Context, subscriptionID string, limit int) (result []*webhooks.Delivery, err error) {
	ctx, span := startSpan(ctx, "Ledger.FindBySubscription", attribute.String("subscription.id", subscriptionID))
	defer func() { endSpan(span, err) }()

	result, err = l.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subscriptionID, limitParam(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return result, nil
}

func (l *Ledger) FindByEvent(ctx context.Context, eventID string) (result []*webhooks.Delivery, err error) {
	ctx, span := startSpan(ctx, "Ledger.FindByEvent", attribute.String("event.id", eventID))
	defer func() { endSpan(span, err) }()

	result, err = l.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE event_id = $1
		ORDER BY created_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return result, nil
}

func (l *Ledger) AppendDeadLetter(ctx context.Context, dl *webhooks.DeadLetter) (err error) {
	ctx, span := startSpan(ctx, "Ledger.AppendDeadLetter", attribute.String("delivery.id", dl.DeliveryID))
	defer func() { endSpan(span, err) }()

	_, err = l.db.Primary().ExecContext(ctx, `
		INSERT INTO webhook_dead_letters (`+deadLetterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		dl.ID, dl.DeliveryID, dl.SubscriptionID, dl.EventID, dl.EventType, dl.URL,
		dl.AttemptNumber, dl.HTTPStatusCode, dl.ErrorMessage, dl.ResponseBody, dl.IdempotencyKey,
		dl.CorrelationID, jsonParam(dl.Event), jsonParam(dl.Envelope), dl.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters first
func (l *Ledger) ListDeadLetters(ctx context.Context, limit int) (result []*webhooks.DeadLetter, err error) {
	ctx, span := startSpan(ctx, "Ledger.ListDeadLetters")
	defer func() { endSpan(span, err) }()

	rows, err := l.db.Replica().QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM webhook_dead_letters
		ORDER BY dead_lettered_at DESC
		LIMIT $1`, limitParam(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dl              webhooks.DeadLetter
			event, envelope []byte
		)
		if err = rows.Scan(
			&dl.ID, &dl.DeliveryID, &dl.SubscriptionID, &dl.EventID, &dl.EventType, &dl.URL,
			&dl.AttemptNumber, &dl.HTTPStatusCode, &dl.ErrorMessage, &dl.ResponseBody, &dl.IdempotencyKey,
			&dl.CorrelationID, &event, &envelope, &dl.DeadLetteredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Event = json.RawMessage(event)
		if len(envelope) > 0 {
			dl.Envelope = json.RawMessage(envelope)
		}
		result = append(result, &dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return result, nil
}

func (l *Ledger) Stats(ctx context.Context, subscriptionID string) (stats *webhooks.DeliveryStats, err error) {
	ctx, span := startSpan(ctx, "Ledger.Stats", attribute.String("subscription.id", subscriptionID))
	defer func() { endSpan(span, err) }()

	stats = &webhooks.DeliveryStats{SubscriptionID: subscriptionID}
	err = l.db.Replica().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'retrying'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(duration_ms) FILTER (WHERE status = 'success'), 0)
		FROM webhook_deliveries
		WHERE subscription_id = $1`, subscriptionID,
	).Scan(&stats.Total, &stats.Pending, &stats.Retrying, &stats.Successful, &stats.Failed, &stats.AverageDurationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to compute delivery stats: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats, nil
}

// Purge deletes terminal deliveries and dead letters older than olderThan in
// one transaction and returns how many rows went
func (l *Ledger) Purge(ctx context.Context, olderThan time.Time) (removed int64, err error) {
	ctx, span := startSpan(ctx, "Ledger.Purge", attribute.String("purge.before", olderThan.Format(time.RFC3339)))
	defer func() { endSpan(span, err) }()

	tx, err := l.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	statements := []string{
		`DELETE FROM webhook_deliveries WHERE status IN ('success', 'failed') AND updated_at < $1`,
		`DELETE FROM webhook_dead_letters WHERE dead_lettered_at < $1`,
	}
	for _, stmt := range statements {
		result, execErr := tx.ExecContext(ctx, stmt, olderThan)
		if execErr != nil {
			err = fmt.Errorf("failed to purge ledger: %w", execErr)
			return 0, err
		}
		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			err = fmt.Errorf("failed to purge ledger: %w", rowsErr)
			return 0, err
		}
		removed += n
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	span.SetAttributes(attribute.Int64("purge.removed", removed))
	return removed, nil
}
