package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/pkg/workerpool"
)

// BatchResult is the outcome of one case in a batch.
type BatchResult struct {
	CaseID  string
	Outcome *Outcome
	Err     error
}

// Runner runs cases on a bounded worker pool. A failing case never affects
// the others.
type Runner struct {
	pool   *workerpool.Pool[CaseInput, *Outcome]
	logger *zap.Logger
}

// NewRunner creates a runner. Call Start before submitting.
func NewRunner(orch *Orchestrator, cfg workerpool.Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{logger: logger}
	pool, err := workerpool.New(cfg, orch.RunCase, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Start launches the workers.
func (r *Runner) Start() { r.pool.Start() }

// Stop drains queued cases and stops the workers.
func (r *Runner) Stop() error { return r.pool.Stop() }

// Stats returns pool statistics.
func (r *Runner) Stats() workerpool.Stats { return r.pool.Stats() }

// Submit runs one case on the pool and waits for it.
func (r *Runner) Submit(ctx context.Context, in CaseInput) (*Outcome, error) {
	return r.pool.Do(ctx, in.CaseID, in)
}

// RunBatch runs every input and returns results in input order.
func (r *Runner) RunBatch(ctx context.Context, inputs []CaseInput) []BatchResult {
	results := make([]BatchResult, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Submit(ctx, in)
			results[i] = BatchResult{CaseID: in.CaseID, Outcome: out, Err: err}
		}()
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	r.logger.Info("batch finished",
		zap.Int("cases", len(inputs)),
		zap.Int("failed", failed))
	return results
}

// Failed filters the failed results of a batch.
func Failed(results []BatchResult) []BatchResult {
	var out []BatchResult
	for _, res := range results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}
