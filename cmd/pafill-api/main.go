// Package main provides the case API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/api/handlers"
	"github.com/drfirst/go-pafill/internal/api/middleware"
	"github.com/drfirst/go-pafill/internal/app"
	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
	"github.com/drfirst/go-pafill/internal/pipeline"
)

const serviceName = "pafill-api"

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(2)
	}

	var enableQueue bool
	cfg, _, err := config.Load(serviceName, os.Args[1:], func(fs *pflag.FlagSet) {
		fs.BoolVar(&enableQueue, "enable-queue", false, "Accept ?async=true submissions onto the case request topic")
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

	a, err := app.New(ctx, serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	a.Start()
	defer a.Close(context.Background())

	var queue handlers.CaseQueue
	if enableQueue {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.Brokers
		producer, err := redpanda.NewProducer(pcfg, logger.Named("producer"))
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		queue = pipeline.NewQueue(producer)
		logger.Info("asynchronous submission enabled", zap.Strings("brokers", cfg.Brokers))
	}
	if len(cfg.APIKeys) == 0 {
		logger.Warn("no API keys configured, the API is unauthenticated")
	}

	caseHandler := handlers.NewCaseHandler(a.Runner, queue, a.Repo, a.Store, logger.Named("handler"))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if a.DB != nil {
			if err := a.DB.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if enableQueue {
			if err := redpanda.HealthCheck(r.Context(), cfg.Brokers); err != nil {
				http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		for _, b := range a.Breakers.Health() {
			if !b.Healthy() {
				http.Error(w, "collaborator "+b.Name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(a.Registry))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.MaxBytes(cfg.MaxUploadBytes))
		r.Mount("/cases", caseHandler.Routes())
	})

	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		// synchronous submissions wait for the whole case
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting case API", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}
