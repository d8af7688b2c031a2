package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/observability"
)

// ErrGroupClosed is returned by Group.Go after Shutdown has begun
var ErrGroupClosed = errors.New("task group is shut down")

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "slack notification", func(ctx context.Context) error {
//	    return notifier.Send(ctx, msg)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Group spawns independent tasks that share a lifetime. A failure or panic in one
// task never affects the others or the caller. Tasks run under a context that
// outlives the caller's request and is cancelled only when Shutdown gives up
// waiting.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active int64
}

// NewGroup creates a task group whose tasks derive from parent
func NewGroup(parent context.Context, logger *observability.Logger) *Group {
	if logger == nil {
		logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go starts fn in its own goroutine. It does not wait for fn.
func (g *Group) Go(taskName string, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	atomic.AddInt64(&g.active, 1)
	go func() {
		defer g.wg.Done()
		defer atomic.AddInt64(&g.active, -1)
		defer observability.RecoverPanic(g.logger, taskName)

		if err := fn(g.ctx); err != nil {
			g.logger.WithError(err).WithField("task", taskName).Warn("task failed")
		}
	}()

	return nil
}

// Active returns the number of tasks currently running
func (g *Group) Active() int {
	return int(atomic.LoadInt64(&g.active))
}

// Wait blocks until every started task has returned
func (g *Group) Wait() {
	g.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is done,
// then cancels them and waits for them to unwind.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.logger.WithField("active", g.Active()).Warn("shutdown deadline reached, cancelling tasks")
		g.cancel()
		<-done
		return ctx.Err()
	}
}
