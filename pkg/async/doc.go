// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Every goroutine started here recovers panics and logs them with a stack
// trace, so a failing task cannot crash the process or its siblings.
//
// # Key Functions
//
// Group: fire-and-forget tasks with a shared, cancellable lifetime
//
//	g := async.NewGroup(context.Background(), logger)
//	g.Go("delivery sub-1", func(ctx context.Context) error {
//		scheduler.Run(ctx, event, sub)
//		return nil
//	})
//	defer g.Shutdown(shutdownCtx)
//
// SafeGo: a single detached task with a timeout
//
//	async.SafeGo(ctx, logger, 10*time.Second, "telegram notification", func(ctx context.Context) error {
//		return notifier.Send(ctx, text)
//	})
//
// # Related Packages
//
//   - pkg/webhooks: one Group task per delivery chain
//   - pkg/notify: SafeGo for outbound notifications
package async
