package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hookrelay/pkg/analytics"
	"github.com/platinummonkey/hookrelay/pkg/audit"
	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/config"
	"github.com/platinummonkey/hookrelay/pkg/httputil"
	"github.com/platinummonkey/hookrelay/pkg/middleware"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/storage/postgres"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

var version = "dev"

const maxRequestBytes = 1 << 20

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		log.Fatalf("hookrelay: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "hookrelay").
		WithField("version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(cfg.Delivery.Environment), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	store, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry metrics: %w", err)
	}
	recorder := webhooks.MultiRecorder{metrics, otelMetrics}

	// Circuit breakers; with Redis every instance reads and writes the same
	// breaker per endpoint
	breakers := circuitbreaker.NewRegistry(cfg.Delivery.Breaker, logger)
	if store.redis != nil {
		breakers.SetStateStore(postgres.NewBreakerStore(store.redis, cfg.Storage.RedisKeyPrefix, cfg.Storage.BreakerStateTTL))
	}
	breakers.OnStateChange(breakerMetrics(metrics, otelMetrics))

	scheduler := webhooks.NewScheduler(store.ledger, breakers, nil, webhooks.SchedulerConfig{
		RequestTimeout: cfg.Delivery.RequestTimeout,
		Environment:    cfg.Delivery.Environment,
		Source:         cfg.Delivery.Source,
	}, logger)
	scheduler.SetRecorder(recorder)

	for _, n := range notifiers(cfg.Notify, logger) {
		scheduler.AddDeadLetterHandler(n)
		if cfg.Notify.BreakerAlerts {
			breakers.OnStateChange(n.BreakerListener())
		}
	}

	health := observability.NewHealthChecker(store.primary(), store.redis, version)
	if store.conn != nil {
		health.AddCheck("postgres_pool", false, store.conn.HealthCheck)
		store.conn.StartHealthCheckRoutine(ctx, 30*time.Second)
	}

	if cfg.Storage.ArchiveEnabled() {
		archive, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize dead-letter archive: %w", err)
		}
		scheduler.AddDeadLetterHandler(archive)
		health.AddCheck("archive", false, archive.HealthCheck)
		logger.WithField("bucket", cfg.Storage.S3Bucket).Info("Archiving dead letters to S3")
	}

	manager := webhooks.NewSubscriptionManager(store.subscriptions)
	dispatcher := webhooks.NewDispatcher(manager, scheduler, logger)
	dispatcher.SetRecorder(recorder)

	var watcher *config.SubscriptionWatcher
	if cfg.SubscriptionsFile != "" {
		watcher = config.NewSubscriptionWatcher(cfg.SubscriptionsFile, manager, logger)
		if err := watcher.Sync(ctx); err != nil {
			return fmt.Errorf("failed to apply subscriptions file: %w", err)
		}
	}

	auditLog, auditDB, err := openAuditLog(cfg.Server, store)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	jobs, err := scheduleJobs(ctx, cfg, store, auditDB, metrics, logger)
	if err != nil {
		return err
	}
	jobs.Start()

	// Admin API
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	if auditLog.Len() > 0 {
		router.Use(audit.NewMiddleware(auditLog, logger, false).Handler)
		audit.NewHandlers(auditLog).RegisterRoutes(router)
	}
	router.Use(middleware.NewAuthMiddleware(cfg.Server.AdminTokens).Handler)
	if cfg.Server.EventsPerMinute > 0 {
		router.Use(eventRateLimit(ctx, cfg, store, logger).Handler)
	}
	webhooks.NewHandlers(manager, store.ledger, breakers, dispatcher).RegisterRoutes(router)
	if store.conn != nil {
		// rollups are written by hookrelay-aggregator
		analytics.NewHandlers(analytics.NewAggregator(store.conn.Primary())).RegisterRoutes(router)
	}

	apiHandler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(apiHandler, "hookrelay-admin"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Shutdown order: stop intake, drain deliveries, then release resources
	shutdown.Register("admin server", apiServer.Shutdown)
	shutdown.Register("scheduled jobs", func(ctx context.Context) error {
		select {
		case <-jobs.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("dispatcher", dispatcher.Shutdown)
	shutdown.Register("audit log", func(context.Context) error { return auditLog.Close() })
	shutdown.Register("background tasks", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.Register("health server", healthServer.Shutdown)
	shutdown.Register("storage", func(context.Context) error { return store.close() })
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Admin API listening")
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		return serve(healthServer)
	})
	if watcher != nil && cfg.WatchSubscriptions {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error { return shutdown.WaitForShutdown(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("hookrelay stopped")
	return nil
}

func serve(server *http.Server) error {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", server.Addr, err)
	}
	return nil
}

// scheduleJobs registers retention and pool-stat jobs on a cron scheduler.
// auditDB may be nil.
func scheduleJobs(ctx context.Context, cfg *config.Config, store *backend, auditDB *audit.DBLogger, metrics *observability.Metrics, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New()

	if cfg.Delivery.RetentionPeriod > 0 {
		period := cfg.Delivery.RetentionPeriod
		_, err := c.AddFunc(cfg.Delivery.RetentionSchedule, func() {
			defer observability.RecoverPanic(logger, "retention purge")

			cutoff := time.Now().UTC().Add(-period)
			removed, err := store.ledger.Purge(ctx, cutoff)
			if err != nil {
				logger.WithError(err).Error("Retention purge failed")
				return
			}
			metrics.RecordPurge(removed)
			logger.WithFields(map[string]interface{}{
				"removed": removed,
				"cutoff":  cutoff.Format(time.RFC3339),
			}).Info("Retention purge completed")

			if auditDB != nil {
				auditRemoved, err := auditDB.Purge(ctx, cutoff)
				if err != nil {
					logger.WithError(err).Error("Audit retention purge failed")
					return
				}
				logger.WithField("removed", auditRemoved).Info("Audit retention purge completed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule retention purge: %w", err)
		}
	}

	if store.conn != nil {
		if _, err := c.AddFunc("@every 15s", func() {
			metrics.ObserveDBStats(store.conn.Primary().Stats())
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule pool stats: %w", err)
		}
	}

	return c, nil
}

// eventRateLimit limits event intake per client, shared through Redis when configured
func eventRateLimit(ctx context.Context, cfg *config.Config, store *backend, logger *observability.Logger) *middleware.RateLimitMiddleware {
	rateConfig := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.Server.EventsPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.Server.EventsBurst,
	}

	var limiter middleware.Limiter
	if store.redis != nil {
		limiter = middleware.NewDistributedRateLimiter(store.redis, rateConfig, cfg.Storage.RedisKeyPrefix+":ratelimit")
	} else {
		local := middleware.NewRateLimiter(rateConfig)
		local.StartCleanup(ctx)
		limiter = local
	}

	mw := middleware.NewRateLimitMiddleware(limiter, logger)
	mw.Match = func(r *http.Request) bool {
		return r.Method == http.MethodPost && r.URL.Path == "/events"
	}
	return mw
}
