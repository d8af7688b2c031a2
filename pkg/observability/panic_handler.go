package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with the stack trace.
// It must be deferred directly:
//
//	defer observability.RecoverPanic(logger, "delivery chain")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback when a panic occurred.
// Use it to record a failure outcome for work that was interrupted.
func RecoverPanicWithCallback(logger *Logger, where string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *Logger, where string, r interface{}) {
	if logger == nil {
		logger = NopLogger()
	}
	logger.WithField("panic", fmt.Sprint(r)).
		WithField("stack", string(debug.Stack())).
		WithField("context", where).
		Error("PANIC recovered")
}

// MustRecover converts a recovered value into an error, nil when r is nil
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
