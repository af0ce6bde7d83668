// Package idempotency keeps a ledger of case runs keyed by the fingerprint of
// their inputs, so a case whose inputs did not change is run at most once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is where a run stands in the ledger.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusRetryable Status = "RETRYABLE"
	StatusRejected  Status = "REJECTED"
)

// Run is one ledger row.
type Run struct {
	Fingerprint string
	CaseID      string
	FormVersion string
	Status      Status
	Attempts    int
	Outcome     json.RawMessage
	LastError   string
	StartedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Claim identifies the run about to start.
type Claim struct {
	Fingerprint string
	CaseID      string
	FormVersion string
}

// Config tunes the ledger.
type Config struct {
	// TTL is how long a settled run is remembered.
	TTL time.Duration
	// SweepInterval is how often stale and expired runs are swept.
	SweepInterval time.Duration
	// StaleAfter is when a RUNNING row is presumed abandoned.
	StaleAfter time.Duration
	// IsTerminal marks run errors that must never be retried. When nil
	// every failure stays retryable.
	IsTerminal func(error) bool
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           7 * 24 * time.Hour,
		SweepInterval: time.Hour,
		StaleAfter:    5 * time.Minute,
	}
}

var (
	// ErrRunning means another worker holds the claim.
	ErrRunning = errors.New("case run already in progress")
	// ErrRejected means the same inputs failed terminally before.
	ErrRejected = errors.New("case inputs were rejected before")
	// ErrClaimed is returned by stores when a claim races another.
	ErrClaimed = errors.New("fingerprint already claimed")
	// ErrNotFound is returned by stores for unknown fingerprints.
	ErrNotFound = errors.New("run not found")
)

// Store persists ledger rows.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Run, error)
	// Claim inserts a RUNNING row, or moves a RETRYABLE one back to RUNNING
	// and bumps its attempt count. Any other existing row yields ErrClaimed.
	Claim(ctx context.Context, c Claim, expiresAt time.Time) (*Run, error)
	Settle(ctx context.Context, fingerprint string, status Status, outcome json.RawMessage, lastErr string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Expire(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Result is what Run hands back.
type Result struct {
	Outcome json.RawMessage
	// Replayed is true when Outcome came from an earlier run.
	Replayed bool
	// Attempts counts runs of this fingerprint including the current one.
	Attempts int
}

// RunFunc performs the case run and returns its encoded outcome.
type RunFunc func(ctx context.Context) (json.RawMessage, error)

// Ledger guards case runs.
type Ledger struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	stop chan struct{}
	done chan struct{}
}

// New creates a ledger over store.
func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Ledger{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("ledger"),
	}
}

// Run executes fn unless the fingerprint already has a settled outcome, in
// which case that outcome is replayed without calling fn.
func (l *Ledger) Run(ctx context.Context, c Claim, fn RunFunc) (*Result, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_run",
		trace.WithAttributes(
			attribute.String("fingerprint", c.Fingerprint),
			attribute.String("case_id", c.CaseID),
		))
	defer span.End()

	prior, err := l.store.Get(ctx, c.Fingerprint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if prior != nil {
		if res, err := l.settled(ctx, prior); res != nil || err != nil {
			span.SetAttributes(attribute.String("prior_status", string(prior.Status)))
			return res, err
		}
	}

	run, err := l.store.Claim(ctx, c, time.Now().Add(l.config.TTL))
	if errors.Is(err, ErrClaimed) {
		return nil, ErrRunning
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	span.SetAttributes(attribute.Int("attempt", run.Attempts))

	outcome, runErr := fn(ctx)
	// settle even when the caller's context is gone
	settleCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		status := StatusRetryable
		if l.config.IsTerminal != nil && l.config.IsTerminal(runErr) {
			status = StatusRejected
		}
		if err := l.store.Settle(settleCtx, c.Fingerprint, status, nil, runErr.Error()); err != nil {
			l.logger.Error("failed to settle run", zap.String("case_id", c.CaseID), zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := l.store.Settle(settleCtx, c.Fingerprint, StatusDone, outcome, ""); err != nil {
		l.logger.Error("failed to settle run", zap.String("case_id", c.CaseID), zap.Error(err))
	}
	return &Result{Outcome: outcome, Attempts: run.Attempts}, nil
}

// settled decides what an existing row means for a new run. A nil result
// and nil error let the run proceed.
func (l *Ledger) settled(ctx context.Context, prior *Run) (*Result, error) {
	switch prior.Status {
	case StatusDone:
		return &Result{Outcome: prior.Outcome, Replayed: true, Attempts: prior.Attempts}, nil
	case StatusRejected:
		return nil, fmt.Errorf("%w: %s", ErrRejected, prior.LastError)
	case StatusRunning:
		if time.Since(prior.UpdatedAt) <= l.config.StaleAfter {
			return nil, ErrRunning
		}
		l.logger.Warn("taking over abandoned run",
			zap.String("case_id", prior.CaseID),
			zap.Time("updated_at", prior.UpdatedAt))
		if err := l.store.Settle(ctx, prior.Fingerprint, StatusRetryable, nil, "abandoned"); err != nil {
			return nil, fmt.Errorf("release abandoned run: %w", err)
		}
	}
	return nil, nil
}

// Supersede reopens a DONE run whose outcome no longer describes the case,
// so the next Run with that fingerprint executes instead of replaying. Rows
// in any other state are left alone.
func (l *Ledger) Supersede(ctx context.Context, fingerprint string) error {
	prior, err := l.store.Get(ctx, fingerprint)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if prior.Status != StatusDone {
		return nil
	}
	if err := l.store.Settle(ctx, fingerprint, StatusRetryable, nil, "superseded"); err != nil {
		return fmt.Errorf("supersede run: %w", err)
	}
	l.logger.Info("stored outcome superseded", zap.String("case_id", prior.CaseID))
	return nil
}

// Fingerprint derives the ledger key of a case from its inputs.
func Fingerprint(caseID, formVersion string, referral []byte) string {
	referralSum := sha256.Sum256(referral)
	key := strings.Join([]string{
		strings.TrimSpace(caseID),
		strings.TrimSpace(formVersion),
		hex.EncodeToString(referralSum[:]),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// StartSweeper periodically releases abandoned runs and drops expired ones.
func (l *Ledger) StartSweeper() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.sweep()
	l.logger.Info("ledger sweeper started", zap.Duration("interval", l.config.SweepInterval))
}

// Stop stops the sweeper. It is a no-op when the sweeper never started.
func (l *Ledger) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
}

func (l *Ledger) sweep() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		if n, err := l.store.ReleaseStale(ctx, l.config.StaleAfter); err != nil {
			l.logger.Error("releasing stale runs failed", zap.Error(err))
		} else if n > 0 {
			l.logger.Info("stale runs released", zap.Int64("count", n))
		}
		if n, err := l.store.Expire(ctx); err != nil {
			l.logger.Error("expiring runs failed", zap.Error(err))
		} else if n > 0 {
			l.logger.Debug("expired runs removed", zap.Int64("count", n))
		}
	}
}

// Stats counts ledger rows per status.
type Stats struct {
	Total     int64
	Running   int64
	Done      int64
	Retryable int64
	Rejected  int64
}

// Stats returns current ledger counts.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	return l.store.Stats(ctx)
}
