package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered shutdown steps in registration order under a
// shared deadline. Register the HTTP servers first, then the dispatcher, then
// storage and telemetry, so each layer drains before what it depends on closes.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []shutdownStep
	once  sync.Once
	err   error
}

// NewShutdownManager creates a manager; a zero timeout means 30s
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = NopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		timeout: timeout,
	}
}

// Register appends a named shutdown step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once. Steps still run after an earlier one fails;
// once the deadline passes the remaining steps see a cancelled context.
// Repeated calls return the first result.
func (sm *ShutdownManager) Shutdown() error {
	sm.once.Do(func() {
		sm.err = sm.run()
	})
	return sm.err
}

func (sm *ShutdownManager) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	var errs []error
	for _, step := range steps {
		start := time.Now()
		err := sm.runStep(ctx, step)
		logger := sm.logger.WithFields(map[string]interface{}{
			"step":        step.name,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			logger.WithError(err).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		logger.Info("Shutdown step complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}

func (sm *ShutdownManager) runStep(ctx context.Context, step shutdownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(sm.logger, "shutdown step "+step.name, r)
			err = MustRecover(r)
		}
	}()
	return step.fn(ctx)
}

// WaitForShutdown blocks until ctx is done or SIGINT/SIGTERM arrives, then runs
// Shutdown.
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Shutdown requested, draining")
	return sm.Shutdown()
}
