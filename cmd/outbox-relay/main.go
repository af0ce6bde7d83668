// Package main relays case outcome events from the outbox table to the
// broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/app"
	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/infrastructure/postgres"
	"github.com/drfirst/go-pafill/internal/infrastructure/redpanda"
)

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(2)
	}

	var retention time.Duration
	cfg, _, err := config.Load("outbox-relay", os.Args[1:], func(fs *pflag.FlagSet) {
		fs.DurationVar(&retention, "retention", 7*24*time.Hour, "How long processed outbox entries are kept")
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("the outbox relay needs a database, set PAFILL_DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger.Named("outbox"))
	outbox.Start()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			return
		case <-cleanup.C:
			n, err := outbox.CleanupProcessed(ctx, retention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if stats, err := outbox.GetStats(ctx); err == nil {
				logger.Info("outbox cleanup",
					zap.Int64("removed", n),
					zap.Int64("pending", stats.Pending),
					zap.Int64("retrying", stats.Retrying))
			}
		}
	}
}
