package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DB is the subset of *sql.DB the aggregator needs
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// DailyStats is one subscription's delivery rollup for one UTC day
type DailyStats struct {
	SubscriptionID  string    `json:"subscriptionId"`
	Date            time.Time `json:"date"`
	Total           int64     `json:"total"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	InFlight        int64     `json:"inFlight"`
	DeadLettered    int64     `json:"deadLettered"`
	AvgDurationMS   int64     `json:"avgDurationMs"`
	P95DurationMS   int64     `json:"p95DurationMs"`
	TotalAttempts   int64     `json:"totalAttempts"`
	ClientErrors    int64     `json:"clientErrors"`
	ServerErrors    int64     `json:"serverErrors"`
	TransportErrors int64     `json:"transportErrors"`
}

// SuccessRate is Succeeded over settled deliveries. Days with nothing
// settled report 1.
func (s DailyStats) SuccessRate() float64 {
	settled := s.Succeeded + s.Failed
	if settled == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(settled)
}

// Aggregator rolls webhook_deliveries up into webhook_delivery_daily
type Aggregator struct {
	db DB
}

// NewAggregator creates a new aggregator
func NewAggregator(db DB) *Aggregator {
	return &Aggregator{db: db}
}

// dayStart truncates t to midnight UTC
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AggregateDaily computes the rollup for every subscription with deliveries
// created on date. Re-running a day replaces its rows.
func (a *Aggregator) AggregateDaily(ctx context.Context, date time.Time) error {
	query := `
		INSERT INTO webhook_delivery_daily (
			subscription_id, date,
			total, succeeded, failed, in_flight, dead_lettered,
			avg_duration_ms, p95_duration_ms, total_attempts,
			client_errors, server_errors, transport_errors
		)
		SELECT
			d.subscription_id,
			$1::date AS date,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE d.status = 'success') AS succeeded,
			COUNT(*) FILTER (WHERE d.status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE d.status IN ('pending', 'retrying')) AS in_flight,
			COUNT(dl.id) AS dead_lettered,
			COALESCE(AVG(d.duration_ms) FILTER (WHERE d.status = 'success'), 0)::bigint AS avg_duration_ms,
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY d.duration_ms)
				FILTER (WHERE d.status = 'success'), 0)::bigint AS p95_duration_ms,
			COALESCE(SUM(d.attempt_number), 0) AS total_attempts,
			COUNT(*) FILTER (WHERE d.http_status_code BETWEEN 400 AND 499) AS client_errors,
			COUNT(*) FILTER (WHERE d.http_status_code >= 500) AS server_errors,
			COUNT(*) FILTER (WHERE d.status <> 'success' AND d.http_status_code = 0 AND d.error_message <> '') AS transport_errors
		FROM webhook_deliveries d
		LEFT JOIN webhook_dead_letters dl ON dl.delivery_id = d.id
		WHERE d.created_at >= $1::date
			AND d.created_at < $1::date + INTERVAL '1 day'
		GROUP BY d.subscription_id
		ON CONFLICT (subscription_id, date) DO UPDATE SET
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			in_flight = EXCLUDED.in_flight,
			dead_lettered = EXCLUDED.dead_lettered,
			avg_duration_ms = EXCLUDED.avg_duration_ms,
			p95_duration_ms = EXCLUDED.p95_duration_ms,
			total_attempts = EXCLUDED.total_attempts,
			client_errors = EXCLUDED.client_errors,
			server_errors = EXCLUDED.server_errors,
			transport_errors = EXCLUDED.transport_errors
	`
	if _, err := a.db.ExecContext(ctx, query, dayStart(date)); err != nil {
		return fmt.Errorf("failed to aggregate deliveries for %s: %w", dayStart(date).Format("2006-01-02"), err)
	}
	return nil
}

const dailyColumns = `subscription_id, date, total, succeeded, failed, in_flight, dead_lettered,
	avg_duration_ms, p95_duration_ms, total_attempts, client_errors, server_errors, transport_errors`

// SubscriptionDaily returns a subscription's rollups for the days in
// [from, to], oldest first
func (a *Aggregator) SubscriptionDaily(ctx context.Context, subscriptionID string, from, to time.Time) ([]DailyStats, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT `+dailyColumns+`
		FROM webhook_delivery_daily
		WHERE subscription_id = $1 AND date >= $2::date AND date <= $3::date
		ORDER BY date ASC`, subscriptionID, dayStart(from), dayStart(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	return scanDaily(rows)
}

// Day returns every subscription's rollup for date
func (a *Aggregator) Day(ctx context.Context, date time.Time) ([]DailyStats, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT `+dailyColumns+`
		FROM webhook_delivery_daily
		WHERE date = $1::date
		ORDER BY subscription_id`, dayStart(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	return scanDaily(rows)
}

// Purge removes rollups for days before cutoff
func (a *Aggregator) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx, `DELETE FROM webhook_delivery_daily WHERE date < $1::date`, dayStart(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge daily stats: %w", err)
	}
	return result.RowsAffected()
}

func scanDaily(rows *sql.Rows) ([]DailyStats, error) {
	defer rows.Close()

	stats := []DailyStats{}
	for rows.Next() {
		var s DailyStats
		if err := rows.Scan(
			&s.SubscriptionID, &s.Date, &s.Total, &s.Succeeded, &s.Failed, &s.InFlight, &s.DeadLettered,
			&s.AvgDurationMS, &s.P95DurationMS, &s.TotalAttempts, &s.ClientErrors, &s.ServerErrors, &s.TransportErrors,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily stats: %w", err)
	}
	return stats, nil
}
