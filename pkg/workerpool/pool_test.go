package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func started[In, Out any](t *testing.T, cfg Config, fn Func[In, Out]) *Pool[In, Out] {
	t.Helper()
	pool, err := New(cfg, fn, nil)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func TestDo_ReturnsOwnResult(t *testing.T) {
	pool := started(t, Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, in int) (string, error) {
		time.Sleep(time.Duration(16-in) * time.Millisecond)
		return fmt.Sprint("case-", in), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := pool.Do(context.Background(), fmt.Sprint(i), i)
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprint("case-", i), out)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), pool.Stats().Completed)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int64
	pool, err := New(Config{Workers: 2, QueueSize: 16}, func(ctx context.Context, _ struct{}) (struct{}, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return struct{}{}, nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Do(context.Background(), fmt.Sprint(i), struct{}{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Stop())
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestDo_ErrorsAreReturnedAndCounted(t *testing.T) {
	errCase := errors.New("stage failed")
	pool := started(t, Config{Workers: 1, QueueSize: 2}, func(ctx context.Context, in string) (string, error) {
		if in == "bad" {
			return "partial", errCase
		}
		return in, nil
	})

	out, err := pool.Do(context.Background(), "bad", "bad")
	assert.ErrorIs(t, err, errCase)
	assert.Equal(t, "partial", out)

	_, err = pool.Do(context.Background(), "good", "good")
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPool_PanicBecomesError(t *testing.T) {
	pool := started(t, Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, in int) (int, error) {
		panic("boom")
	})

	_, err := pool.Do(context.Background(), "p", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, int64(1), pool.Stats().Panics)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, in int) (int, error) {
		return in, nil
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	_, err = pool.Do(context.Background(), "late", 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = pool.TryDo(context.Background(), "late", 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestTryDo_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := started(t, Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, in int) (int, error) {
		<-release
		return in, nil
	})
	defer close(release)

	// one job held by the worker, one waiting in the queue
	go pool.Do(context.Background(), "a", 1)
	go pool.Do(context.Background(), "b", 2)
	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Busy == 1 && s.Waiting == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.TryDo(ctx, "c", 3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, pool.Saturated())
}

func TestDo_CanceledContext(t *testing.T) {
	pool := started(t, Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, in int) (int, error) {
		return in, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Do(ctx, "x", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresFunc(t *testing.T) {
	_, err := New[int, int](DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
