// Package app wires configuration into a running pipeline. Every command
// builds its pipeline through New so they share one stack.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/artifacts"
	"github.com/drfirst/go-pafill/internal/collaborator"
	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/contextgen"
	"github.com/drfirst/go-pafill/internal/domain/pacase"
	"github.com/drfirst/go-pafill/internal/filler"
	"github.com/drfirst/go-pafill/internal/infrastructure/llm"
	"github.com/drfirst/go-pafill/internal/infrastructure/pdfform"
	"github.com/drfirst/go-pafill/internal/infrastructure/pdftext"
	"github.com/drfirst/go-pafill/internal/infrastructure/postgres"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
	"github.com/drfirst/go-pafill/internal/observability/tracing"
	"github.com/drfirst/go-pafill/internal/pipeline"
	"github.com/drfirst/go-pafill/internal/resolver"
	"github.com/drfirst/go-pafill/internal/validation"
	"github.com/drfirst/go-pafill/pkg/circuitbreaker"
	"github.com/drfirst/go-pafill/pkg/idempotency"
	"github.com/drfirst/go-pafill/pkg/workerpool"
)

// App holds the pipeline and everything it runs against.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager
	// DB is nil when no database is configured; cases then live in memory.
	DB       *pgxpool.Pool
	Repo     pacase.Repository
	Store    *artifacts.FSStore
	Ledger   *idempotency.Ledger
	Profiles *config.Profiles
	Runner   *pipeline.Runner

	tracing *tracing.Provider
	started bool
}

// NewLogger builds a production zap logger at level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// New builds the pipeline for service. Call Start to launch the workers and
// Close when done.
func New(ctx context.Context, service string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	tcfg := tracing.DefaultConfig(service)
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	a.tracing = tp

	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.Profiles, err = config.LoadProfilesDir(cfg.ProfilesDir); err != nil {
		return nil, err
	}
	if a.Store, err = artifacts.NewFSStore(cfg.OutputDir, uint(cfg.MaxAttempts), logger.Named("artifacts")); err != nil {
		return nil, err
	}
	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	gen, ocr, err := a.collaborators()
	if err != nil {
		return nil, err
	}

	orch := pipeline.New(pipeline.Deps{
		Inventory: pdfform.NewInventory(logger.Named("inventory")),
		OCR:       ocr,
		Contexts:  contextgen.New(gen, a.Metrics, logger.Named("contextgen")),
		Resolver:  resolver.New(gen, ResolverConfig(cfg), a.Metrics, logger.Named("resolver")),
		Writer:    pdfform.NewWriter(logger.Named("writer")),
		Store:     a.Store,
		Repo:      a.Repo,
		Ledger:    a.Ledger,
		Profiles:  a.Profiles,
		Metrics:   a.Metrics,
		Logger:    logger.Named("pipeline"),
	}, pipeline.Options{
		FieldConcurrency: cfg.FieldConcurrency,
		Validation:       validation.Options{AllowTextTruncation: cfg.AllowTextTruncation},
		Filler:           filler.Options{Placeholder: cfg.FillPlaceholder},
	})

	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = cfg.Concurrency
	pcfg.QueueSize = cfg.QueueSize
	if a.Runner, err = pipeline.NewRunner(orch, pcfg, logger); err != nil {
		return nil, err
	}

	ok = true
	logger.Info("pipeline ready",
		zap.String("service", service),
		zap.Bool("database", a.DB != nil),
		zap.Int("profiles", a.Profiles.Len()),
		zap.Stringer("config", cfg))
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.Config.DatabaseURL == "" {
		a.Logger.Warn("no database configured, case history is kept in memory")
		a.Repo = pacase.NewMemoryRepository()
		a.Ledger = idempotency.New(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), a.Logger.Named("ledger"))
		return nil
	}

	db, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return err
	}
	a.Repo = pacase.NewPGRepository(db, a.Logger.Named("repository"))
	a.Ledger = idempotency.New(idempotency.NewPGStore(db), idempotency.DefaultConfig(), a.Logger.Named("ledger"))
	return nil
}

func (a *App) collaborators() (collaborator.TextGenerator, collaborator.OCR, error) {
	cfg := a.Config
	bcfg := circuitbreaker.DefaultConfig("")
	bcfg.Ignore = func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, collaborator.ErrMalformedInput)
	}
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		a.Metrics.BreakerState(name, to.Gauge())
	}
	a.Breakers = circuitbreaker.NewManager(bcfg, a.Logger.Named("breaker"))

	policy := CallPolicy(cfg)
	caller := func(name string) (*collaborator.Caller, error) {
		cb, err := a.Breakers.Get(name)
		if err != nil {
			return nil, err
		}
		return collaborator.NewCaller(name, policy, cb, a.Metrics, a.Logger.Named(name)), nil
	}

	client, err := llm.New(llm.Config{
		Endpoint: cfg.LLMEndpoint,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		Timeout:  cfg.CallTimeout,
	}, a.Logger.Named("llm"))
	if err != nil {
		return nil, nil, err
	}
	llmCaller, err := caller("llm")
	if err != nil {
		return nil, nil, err
	}
	ocrCaller, err := caller("ocr")
	if err != nil {
		return nil, nil, err
	}
	return collaborator.GuardGenerator(client, llmCaller),
		collaborator.GuardOCR(pdftext.New(a.Logger.Named("ocr")), ocrCaller),
		nil
}

// ResolverConfig maps configuration onto the resolver.
func ResolverConfig(cfg *config.Config) resolver.Config {
	rc := resolver.DefaultConfig()
	rc.ConfidenceThreshold = cfg.ConfidenceThreshold
	rc.ConflictMargin = cfg.ConflictMargin
	rc.DefaultConfidence = cfg.DefaultConfidence
	rc.Window = resolver.WindowOptions{
		Policy:        cfg.TruncationPolicy,
		MaxChars:      cfg.MaxSourceChars,
		WindowChars:   cfg.WindowChars,
		WindowOverlap: cfg.WindowOverlap,
	}
	return rc
}

// CallPolicy maps configuration onto the collaborator retry policy.
func CallPolicy(cfg *config.Config) collaborator.Policy {
	return collaborator.Policy{
		MaxAttempts:    uint(cfg.MaxAttempts),
		CallTimeout:    cfg.CallTimeout,
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
	}
}

// Start launches the case workers and the run ledger sweeper.
func (a *App) Start() {
	a.Runner.Start()
	a.Ledger.StartSweeper()
	a.started = true
}

// Close stops the workers and releases connections. It is safe on a
// partially built App.
func (a *App) Close(ctx context.Context) {
	if a.started {
		if err := a.Runner.Stop(); err != nil {
			a.Logger.Warn("runner stop", zap.Error(err))
		}
		a.Ledger.Stop()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.Logger.Warn("tracing shutdown", zap.Error(err))
	}
}
