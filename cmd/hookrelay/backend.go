package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/hookrelay/pkg/audit"
	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/config"
	"github.com/platinummonkey/hookrelay/pkg/notify"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/storage"
	"github.com/platinummonkey/hookrelay/pkg/storage/postgres"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// backend bundles the stores chosen by configuration
type backend struct {
	ledger        webhooks.Ledger
	subscriptions webhooks.SubscriptionStore
	conn          *postgres.ConnectionManager
	redis         *redis.Client
}

// primary returns the primary database, or nil for in-memory storage
func (b *backend) primary() *sql.DB {
	if b.conn == nil {
		return nil
	}
	return b.conn.Primary()
}

func (b *backend) close() error {
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Type {
	case storage.TypePostgres:
		conn, err := postgres.NewConnectionManager(postgres.ConnectionConfigFromStorage(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, conn.Primary()); err != nil {
			conn.Close()
			return nil, err
		}
		b.conn = conn
		b.ledger = postgres.NewLedger(conn)
		b.subscriptions = postgres.NewSubscriptionStore(conn)
		logger.WithField("replicas", len(conn.Stats().Replicas)).Info("Using PostgreSQL storage")
	default:
		b.ledger = webhooks.NewMemoryLedger(cfg.MemoryMaxDeliveries)
		b.subscriptions = webhooks.NewMemorySubscriptionStore()
		logger.Warn("Using in-memory storage; deliveries are lost on restart")
	}

	if cfg.RedisEnabled() {
		client, err := postgres.NewRedisClient(cfg)
		if err != nil {
			b.close()
			return nil, err
		}
		b.redis = client
	}

	return b, nil
}

// openAuditLog builds the admin audit trail. The returned DBLogger is nil
// unless the database destination is enabled.
func openAuditLog(cfg config.ServerConfig, store *backend) (*audit.MultiLogger, *audit.DBLogger, error) {
	var (
		loggers []audit.Logger
		dbLog   *audit.DBLogger
	)
	if cfg.AuditLogDir != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.AuditLogDir
		fileLog, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fileLog)
	}
	if cfg.AuditDatabase && store.conn != nil {
		var err error
		if dbLog, err = audit.NewDBLogger(store.conn.Primary()); err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, dbLog)
	}
	return audit.NewMultiLogger(loggers...), dbLog, nil
}

// notifiers wraps each configured channel in a Notifier
func notifiers(cfg config.NotifyConfig, logger *observability.Logger) []*notify.Notifier {
	channels := cfg.Channels()
	result := make([]*notify.Notifier, 0, len(channels))
	for _, ch := range channels {
		result = append(result, notify.New(ch, logger))
	}
	return result
}

// breakerMetrics forwards transitions to both metric backends
func breakerMetrics(prom *observability.Metrics, otelMetrics *observability.OTelMetrics) circuitbreaker.StateChangeListener {
	return func(ctx context.Context, from, to circuitbreaker.State, snap circuitbreaker.Snapshot) {
		prom.RecordBreakerTransition(snap.EndpointKey, string(from), string(to))
		otelMetrics.RecordBreakerTransition(ctx, snap.EndpointKey, string(from), string(to))
	}
}
