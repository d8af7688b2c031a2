package audit

import (
	"context"
	"errors"
)

// MultiLogger writes each event to several loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that fans out to every non-nil logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Len returns the number of destinations
func (m *MultiLogger) Len() int {
	return len(m.loggers)
}

// Log writes to every logger; one failing destination does not stop the others
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first destination that supports reading
func (m *MultiLogger) Recent(ctx context.Context, limit int) ([]*Event, error) {
	for _, l := range m.loggers {
		if r, ok := l.(Reader); ok {
			return r.Recent(ctx, limit)
		}
	}
	return []*Event{}, nil
}

// Close closes every logger
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
