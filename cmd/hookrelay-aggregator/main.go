package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hookrelay/pkg/analytics"
	"github.com/platinummonkey/hookrelay/pkg/config"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/storage"
	"github.com/platinummonkey/hookrelay/pkg/storage/postgres"
)

var (
	dailySchedule   = flag.String("daily-schedule", "5 0 * * *", "Cron schedule for daily aggregation (default: 00:05 UTC)")
	runOnce         = flag.Bool("run-once", false, "Aggregate one day and exit")
	aggregationDate = flag.String("date", "", "Day to aggregate (YYYY-MM-DD). Defaults to yesterday. Only used with -run-once")
	minSuccessRate  = flag.Float64("min-success-rate", analytics.DefaultAlertConfig().MinSuccessRate, "Alert when a subscription's daily success rate is below this")
	minDeliveries   = flag.Int64("min-deliveries", analytics.DefaultAlertConfig().MinDeliveries, "Ignore subscriptions with fewer settled deliveries")
	rollupRetention = flag.Duration("rollup-retention", 365*24*time.Hour, "Delete rollups older than this. Zero keeps them forever")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("hookrelay-aggregator: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Type != storage.TypePostgres {
		return fmt.Errorf("aggregation requires postgres storage, got %q", cfg.Storage.Type)
	}
	if *minSuccessRate < 0 || *minSuccessRate > 1 {
		return fmt.Errorf("min-success-rate must be between 0 and 1")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "hookrelay-aggregator")

	conn, err := postgres.NewConnectionManager(postgres.ConnectionConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	aggregator := analytics.NewAggregator(conn.Primary())
	alerter := analytics.NewAlerter(aggregator, analytics.AlertConfig{
		MinSuccessRate: *minSuccessRate,
		MinDeliveries:  *minDeliveries,
	}, logger, cfg.Notify.Channels()...)

	// Run once mode (for backfilling)
	if *runOnce {
		date := time.Now().UTC().AddDate(0, 0, -1)
		if *aggregationDate != "" {
			date, err = time.Parse("2006-01-02", *aggregationDate)
			if err != nil {
				return fmt.Errorf("invalid date format: %w", err)
			}
		}
		return runAggregation(context.Background(), aggregator, alerter, date, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithLocation(time.UTC))
	_, err = c.AddFunc(*dailySchedule, func() {
		defer observability.RecoverPanic(logger, "daily aggregation")

		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		if err := runAggregation(ctx, aggregator, alerter, yesterday, logger); err != nil {
			logger.WithError(err).Error("Daily aggregation failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule daily aggregation: %w", err)
	}

	c.Start()
	logger.WithField("schedule", *dailySchedule).Info("hookrelay aggregator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	<-c.Stop().Done()
	logger.Info("Aggregator stopped")
	return nil
}

// runAggregation rolls up date, raises success-rate alerts and prunes old
// rollups. Alert delivery failures are logged, not returned.
func runAggregation(ctx context.Context, aggregator *analytics.Aggregator, alerter *analytics.Alerter, date time.Time, logger *observability.Logger) error {
	day := date.UTC().Format("2006-01-02")
	logger = logger.WithField("date", day)

	if err := aggregator.AggregateDaily(ctx, date); err != nil {
		return err
	}
	logger.Info("Delivery stats aggregated")

	raised, err := alerter.CheckAndNotify(ctx, date)
	if err != nil {
		logger.WithError(err).Warn("Success rate check failed")
	}
	if raised > 0 {
		logger.WithField("alerts", raised).Info("Success rate alerts raised")
	}

	if *rollupRetention > 0 {
		removed, err := aggregator.Purge(ctx, time.Now().UTC().Add(-*rollupRetention))
		if err != nil {
			return err
		}
		logger.WithField("removed", removed).Debug("Old rollups purged")
	}
	return nil
}
