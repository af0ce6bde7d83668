// Package workerpool runs jobs on a fixed number of workers. Cases go through
// it so the load on collaborators stays within the configured concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is shutting down")
	ErrQueueFull  = errors.New("job queue is full")
)

// Func processes one job.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Config sizes the pool.
type Config struct {
	// Workers is the number of jobs run at once
	Workers int
	// QueueSize bounds jobs waiting for a worker
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for queued jobs
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for collaborator-bound work
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		ShutdownTimeout: 30 * time.Second,
	}
}

type job[In, Out any] struct {
	key   string
	ctx   context.Context
	in    In
	reply chan outcome[Out]
}

type outcome[Out any] struct {
	out Out
	err error
}

// Pool runs Func on a bounded set of goroutines.
type Pool[In, Out any] struct {
	config Config
	fn     Func[In, Out]
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job[In, Out]
	wg     sync.WaitGroup
	quit   chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64
	waiting   atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New[In, Out any](cfg Config, fn Func[In, Out], logger *zap.Logger) (*Pool[In, Out], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Pool[In, Out]{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan job[In, Out], cfg.QueueSize),
		quit:   make(chan struct{}),
	}, nil
}

// Start launches the workers
func (p *Pool[In, Out]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Do queues a job, waiting while the queue is full, and returns its result.
// key only labels the job in logs.
func (p *Pool[In, Out]) Do(ctx context.Context, key string, in In) (Out, error) {
	var zero Out
	j := job[In, Out]{key: key, ctx: ctx, in: in, reply: make(chan outcome[Out], 1)}
	if err := p.enqueue(ctx, j, true); err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-j.reply:
		return res.out, res.err
	}
}

// TryDo is Do without waiting for queue space.
func (p *Pool[In, Out]) TryDo(ctx context.Context, key string, in In) (Out, error) {
	var zero Out
	j := job[In, Out]{key: key, ctx: ctx, in: in, reply: make(chan outcome[Out], 1)}
	if err := p.enqueue(ctx, j, false); err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-j.reply:
		return res.out, res.err
	}
}

func (p *Pool[In, Out]) enqueue(ctx context.Context, j job[In, Out], wait bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	if !wait {
		select {
		case p.jobs <- j:
			p.queued()
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case p.jobs <- j:
		p.queued()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

func (p *Pool[In, Out]) queued() {
	p.submitted.Add(1)
	p.waiting.Add(1)
}

// Stop lets queued jobs finish and stops the workers. Jobs still running
// after ShutdownTimeout are abandoned.
func (p *Pool[In, Out]) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	defer close(p.quit)
	select {
	case <-drained:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.Int64("busy", p.busy.Load()))
		return errors.New("worker pool shutdown timed out")
	}
}

func (p *Pool[In, Out]) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.waiting.Add(-1)
		p.busy.Add(1)
		j.reply <- p.run(id, j)
		p.busy.Add(-1)
	}
}

func (p *Pool[In, Out]) run(worker int, j job[In, Out]) (res outcome[Out]) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			res = outcome[Out]{err: fmt.Errorf("job %s panicked: %v", j.key, r)}
		}
		if res.err != nil {
			p.failed.Add(1)
			p.logger.Debug("job failed",
				zap.String("key", j.key),
				zap.Int("worker_id", worker),
				zap.Error(res.err))
			return
		}
		p.completed.Add(1)
	}()

	if err := j.ctx.Err(); err != nil {
		return outcome[Out]{err: err}
	}
	out, err := p.fn(j.ctx, j.in)
	return outcome[Out]{out: out, err: err}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Busy      int64 `json:"busy"`
	Waiting   int64 `json:"waiting"`
	Capacity  int   `json:"capacity"`
	Workers   int   `json:"workers"`
}

// Stats returns current pool counters
func (p *Pool[In, Out]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Busy:      p.busy.Load(),
		Waiting:   p.waiting.Load(),
		Capacity:  p.config.QueueSize,
		Workers:   p.config.Workers,
	}
}

// Saturated reports whether the queue is at least 90% full
func (p *Pool[In, Out]) Saturated() bool {
	return float64(p.waiting.Load()) >= 0.9*float64(p.config.QueueSize)
}
