package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DB is the subset of *sql.DB the database logger needs
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// DBLogger writes audit events to the webhook_admin_audit table
type DBLogger struct {
	db DB
}

// NewDBLogger creates a database-backed audit logger. The table is created
// by the storage schema.
func NewDBLogger(db DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts the event
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO webhook_admin_audit (
			timestamp, action, status, resource_type, resource_id,
			client_ip, user_agent, request_id, method, path, status_code, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.Timestamp, event.Action, string(event.Status), string(event.ResourceType), event.ResourceID,
		event.ClientIP, event.UserAgent, event.RequestID, event.Method, event.Path, event.StatusCode, event.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first
func (l *DBLogger) Recent(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, action, status, resource_type, resource_id,
			client_ip, user_agent, request_id, method, path, status_code, duration_ms
		FROM webhook_admin_audit
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			e            Event
			status       string
			resourceType string
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Action, &status, &resourceType, &e.ResourceID,
			&e.ClientIP, &e.UserAgent, &e.RequestID, &e.Method, &e.Path, &e.StatusCode, &e.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Status = Status(status)
		e.ResourceType = ResourceType(resourceType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Purge deletes events older than the cutoff and returns how many were removed
func (l *DBLogger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM webhook_admin_audit WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the connection belongs to the storage layer
func (l *DBLogger) Close() error {
	return nil
}
