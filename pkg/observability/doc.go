// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscription_id", sub.ID).Info("subscription registered")
//
// Correlation and delivery IDs travel in the context:
//
//	ctx = observability.WithCorrelationID(ctx, event.CorrelationID)
//	observability.FromContext(ctx).Warn("attempt failed")
//
// # Metrics
//
// Metrics and OTelMetrics both implement the webhooks Recorder interface:
//
//	metrics := observability.NewMetrics(registry)
//	scheduler.SetRecorder(metrics)
//	breakers.OnStateChange(func(ctx context.Context, from, to circuitbreaker.State, s circuitbreaker.Snapshot) {
//		metrics.RecordBreakerTransition(s.EndpointKey, string(from), string(to))
//	})
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// PostgreSQL is critical; Redis and checks added with AddCheck as non-critical
// only degrade readiness.
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.Register("http", server.Shutdown)
//	sm.Register("dispatcher", dispatcher.Shutdown)
//	sm.WaitForShutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: observability configuration
//   - pkg/httputil: request logging middleware
package observability
