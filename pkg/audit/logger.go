package audit

import (
	"context"
)

// Logger records audit events
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the destination
	Close() error
}

// Reader returns the most recent audit events, newest first
type Reader interface {
	Recent(ctx context.Context, limit int) ([]*Event, error)
}

// NopLogger discards every event
func NopLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, event *Event) error { return nil }

func (noOpLogger) Close() error { return nil }
