package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripConfig() Config {
	cfg := DefaultConfig("llm")
	cfg.ConsecutiveFailures = 2
	cfg.MinRequests = 100
	cfg.OpenTimeout = time.Hour
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := tripConfig()
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	b, err := New(cfg, nil)
	require.NoError(t, err)

	fail := func(context.Context) error { return errBoom }
	assert.ErrorIs(t, b.Call(context.Background(), fail), errBoom)
	assert.ErrorIs(t, b.Call(context.Background(), fail), errBoom)

	err = b.Call(context.Background(), func(context.Context) error {
		t.Fatal("must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errInput := errors.New("bad input")
	cfg := tripConfig()
	cfg.Ignore = func(err error) bool { return errors.Is(err, errInput) }

	b, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return errInput }), errInput)
	}
	for i := 0; i < 5; i++ {
		b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RatioTripsAfterMinRequests(t *testing.T) {
	cfg := tripConfig()
	cfg.ConsecutiveFailures = 100
	cfg.MinRequests = 4
	cfg.FailureRatio = 0.5

	b, err := New(cfg, nil)
	require.NoError(t, err)

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errBoom }
	for _, fn := range []func(context.Context) error{ok, fail, ok, fail} {
		b.Call(context.Background(), fn)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestManager_ReusesBreakers(t *testing.T) {
	m := NewManager(tripConfig(), nil)
	a, err := m.Get("ocr")
	require.NoError(t, err)
	b, err := m.Get("ocr")
	require.NoError(t, err)
	assert.Same(t, a, b)
	_, err = m.Get("llm")
	require.NoError(t, err)

	health := m.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "llm", health[0].Name)
	assert.True(t, health[1].Healthy())
}

func TestState_Gauge(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Gauge())
	assert.Equal(t, 1.0, StateOpen.Gauge())
	assert.Equal(t, 2.0, StateHalfOpen.Gauge())
}
