// Package circuitbreaker stops calling a collaborator that keeps failing and
// probes it again after a cool-down. It is built on sony/gobreaker and
// reports through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Gauge returns the numeric form used by the state gauge.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Config tunes a breaker.
type Config struct {
	Name string
	// HalfOpenProbes is how many calls may probe a half-open breaker
	HalfOpenProbes uint32
	// CountInterval clears the closed-state counts periodically
	CountInterval time.Duration
	// OpenTimeout is the cool-down before an open breaker half-opens
	OpenTimeout time.Duration
	// ConsecutiveFailures trips the breaker while fewer than MinRequests
	// calls were counted
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were counted
	FailureRatio float64
	MinRequests  uint32
	// Ignore marks errors that say nothing about the collaborator's health,
	// such as a rejected input.
	Ignore func(error) bool
	// OnStateChange is notified after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults suited to slow text-generation services
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenProbes:      2,
		CountInterval:       time.Minute,
		OpenTimeout:         20 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

func (c Config) tripped(counts gobreaker.Counts) bool {
	if counts.Requests < c.MinRequests {
		return counts.ConsecutiveFailures >= c.ConsecutiveFailures
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}

func (c Config) healthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return c.Ignore != nil && c.Ignore(err)
}

// Breaker guards one collaborator.
type Breaker struct {
	name   string
	gb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
	notify func(string, State)
}

// New creates a breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuit-breaker").Int64Counter("collaborator_breaker_calls_total",
		metric.WithDescription("Calls through a collaborator circuit breaker by result"))
	if err != nil {
		return nil, fmt.Errorf("create breaker counter: %w", err)
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
		notify: cfg.OnStateChange,
	}
	b.gb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.HalfOpenProbes,
		Interval:     cfg.CountInterval,
		Timeout:      cfg.OpenTimeout,
		ReadyToTrip:  cfg.tripped,
		IsSuccessful: cfg.healthy,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.transition(stateOf(from), stateOf(to))
		},
	})
	return b, nil
}

// Call runs fn through the breaker. A rejected call returns an error
// matching ErrOpen; fn's own error comes back unchanged.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "breaker."+b.name,
		trace.WithAttributes(attribute.String("breaker.state", string(b.State()))))
	defer span.End()

	_, err := b.gb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
		err = fmt.Errorf("%s: %w", b.name, ErrOpen)
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
	default:
		result = "failed"
		span.RecordError(err)
	}
	b.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", b.name),
		attribute.String("result", result)))
	return err
}

func (b *Breaker) transition(from, to State) {
	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if b.notify != nil {
		b.notify(b.name, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State { return stateOf(b.gb.State()) }

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Manager hands out one breaker per collaborator name.
type Manager struct {
	base   Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager. Every breaker it creates copies base with
// Name replaced.
func NewManager(base Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{base: base, logger: logger, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b, nil
	}
	cfg := m.base
	cfg.Name = name
	b, err := New(cfg, m.logger.With(zap.String("breaker", name)))
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}

// Health reports one breaker.
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Healthy is true while the breaker lets calls through freely.
func (h Health) Healthy() bool { return h.State == StateClosed }

// Health reports every breaker, sorted by name.
func (m *Manager) Health() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Health, 0, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.gb.Counts()
		out = append(out, Health{
			Name:     name,
			State:    b.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
