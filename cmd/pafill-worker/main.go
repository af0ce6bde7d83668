// Package main runs queued prior authorization cases from the case request
// topic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/app"
	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
	"github.com/drfirst/go-pafill/internal/pipeline"
)

const serviceName = "pafill-worker"

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(2)
	}

	var (
		group       string
		replication int16
	)
	cfg, _, err := config.Load(serviceName, os.Args[1:], func(fs *pflag.FlagSet) {
		fs.StringVar(&group, "group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group id")
		fs.Int16Var(&replication, "replication", 1, "Replication factor for topics created at startup")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger.Named("admin"))
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, replication); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}

	a, err := app.New(ctx, serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	a.Start()
	defer a.Close(context.Background())

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.Brokers
	deadLetter, err := redpanda.NewProducer(pcfg, logger.Named("dead-letter"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer deadLetter.Close()

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.Brokers
	ccfg.GroupID = group
	consumer, err := redpanda.NewConsumer(ccfg, pipeline.Handler(a.Runner, logger.Named("handler")), deadLetter, logger.Named("consumer"))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.Registry))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.GroupLag(r.Context(), group)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"consumer":    consumer.Stats(),
			"pool":        a.Runner.Stats(),
			"dead_letter": deadLetter.Stats(),
			"lag":         lag,
		})
	})
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("case worker started",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", group),
		zap.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("case worker stopped")
}
