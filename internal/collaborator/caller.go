package collaborator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/observability/metrics"
	"github.com/drfirst/go-pafill/pkg/circuitbreaker"
)

// Policy bounds every collaborator call.
type Policy struct {
	// MaxAttempts includes the first try.
	MaxAttempts    uint
	CallTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns a small attempt budget with exponential spacing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		CallTimeout:    30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// Caller applies the per-call timeout, the circuit breaker and bounded
// exponential backoff to calls against one collaborator.
type Caller struct {
	name    string
	policy  Policy
	breaker *circuitbreaker.Breaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewCaller creates a caller. breaker and m may be nil.
func NewCaller(name string, policy Policy, breaker *circuitbreaker.Breaker, m *metrics.Metrics, logger *zap.Logger) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Caller{
		name:    name,
		policy:  policy,
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("collaborator"),
	}
}

// Do runs fn until it succeeds, fails terminally, or the attempt budget is
// spent. The last error is returned.
func (c *Caller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "collaborator_call",
		trace.WithAttributes(attribute.String("collaborator", c.name)))
	defer span.End()

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			c.metrics.CollaboratorRetry(c.name)
		}

		err := c.attempt(ctx, fn)
		c.metrics.CollaboratorCall(c.name, outcome(err))
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Debug("collaborator attempt failed",
			zap.String("collaborator", c.name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.policy.MaxAttempts))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Int("attempts", attempt))
		return fmt.Errorf("%s after %d attempt(s): %w", c.name, attempt, err)
	}
	return nil
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(callCtx, fn)
	} else {
		err = fn(callCtx)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, c *Caller, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type guardedGenerator struct {
	next   TextGenerator
	caller *Caller
}

// GuardGenerator wraps gen so every Generate goes through caller.
func GuardGenerator(gen TextGenerator, caller *Caller) TextGenerator {
	return &guardedGenerator{next: gen, caller: caller}
}

func (g *guardedGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	return Call(ctx, g.caller, func(ctx context.Context) (*Response, error) {
		return g.next.Generate(ctx, req)
	})
}

type guardedOCR struct {
	next   OCR
	caller *Caller
}

// GuardOCR wraps ocr so every Extract goes through caller.
func GuardOCR(ocr OCR, caller *Caller) OCR {
	return &guardedOCR{next: ocr, caller: caller}
}

func (g *guardedOCR) Extract(ctx context.Context, document []byte) ([]Segment, error) {
	return Call(ctx, g.caller, func(ctx context.Context) ([]Segment, error) {
		return g.next.Extract(ctx, document)
	})
}
