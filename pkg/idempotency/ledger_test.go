package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var claim = Claim{Fingerprint: "fp-1", CaseID: "case-1", FormVersion: "v1"}

func counting(calls *int, outcome string, err error) RunFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return json.RawMessage(outcome), nil
	}
}

func TestRun_DoneOutcomeIsReplayed(t *testing.T) {
	ledger := New(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()
	calls := 0

	first, err := ledger.Run(ctx, claim, counting(&calls, `{"digest":"a"}`, nil))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, 1, first.Attempts)

	second, err := ledger.Run(ctx, claim, counting(&calls, `{"digest":"b"}`, nil))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, `{"digest":"a"}`, string(second.Outcome))
	assert.Equal(t, 1, calls)
}

func TestRun_RetryableFailureRunsAgain(t *testing.T) {
	ledger := New(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()
	calls := 0

	_, err := ledger.Run(ctx, claim, counting(&calls, "", errors.New("collaborator unavailable")))
	require.Error(t, err)

	res, err := ledger.Run(ctx, claim, counting(&calls, `{}`, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestRun_RejectedInputsAreNotRunAgain(t *testing.T) {
	errBad := errors.New("malformed input")
	cfg := DefaultConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errBad) }
	ledger := New(NewMemoryStore(), cfg, nil)
	ctx := context.Background()
	calls := 0

	_, err := ledger.Run(ctx, claim, counting(&calls, "", errBad))
	require.ErrorIs(t, err, errBad)

	_, err = ledger.Run(ctx, claim, counting(&calls, `{}`, nil))
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "malformed input")
	assert.Equal(t, 1, calls)
}

func TestRun_InProgress(t *testing.T) {
	store := NewMemoryStore()
	ledger := New(store, DefaultConfig(), nil)
	_, err := store.Claim(context.Background(), claim, time.Now().Add(time.Hour))
	require.NoError(t, err)

	calls := 0
	_, err = ledger.Run(context.Background(), claim, counting(&calls, `{}`, nil))
	assert.ErrorIs(t, err, ErrRunning)
	assert.Zero(t, calls)
}

func TestRun_AbandonedRunIsTakenOver(t *testing.T) {
	store := NewMemoryStore()
	store.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := store.Claim(context.Background(), claim, time.Now().Add(time.Hour))
	require.NoError(t, err)
	store.now = time.Now

	ledger := New(store, DefaultConfig(), nil)
	calls := 0
	res, err := ledger.Run(context.Background(), claim, counting(&calls, `{}`, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestSupersede_ReopensDoneRun(t *testing.T) {
	ledger := New(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()
	calls := 0

	_, err := ledger.Run(ctx, claim, counting(&calls, `{"digest":"a"}`, nil))
	require.NoError(t, err)
	require.NoError(t, ledger.Supersede(ctx, claim.Fingerprint))

	res, err := ledger.Run(ctx, claim, counting(&calls, `{"digest":"c"}`, nil))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.JSONEq(t, `{"digest":"c"}`, string(res.Outcome))
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)

	assert.NoError(t, ledger.Supersede(ctx, "unknown"))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("case-1", "v1", []byte("referral"))
	assert.Equal(t, a, Fingerprint(" case-1 ", "v1", []byte("referral")))
	assert.NotEqual(t, a, Fingerprint("case-1", "v2", []byte("referral")))
	assert.NotEqual(t, a, Fingerprint("case-1", "v1", []byte("referral 2")))
	assert.Len(t, a, 64)
}

func TestMemoryStore_SweepAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Claim(ctx, Claim{Fingerprint: "old"}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.Settle(ctx, "old", StatusDone, nil, ""))
	_, err = store.Claim(ctx, Claim{Fingerprint: "new"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Settle(ctx, "new", StatusDone, nil, ""))

	store.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err = store.Claim(ctx, Claim{Fingerprint: "stuck"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	store.now = time.Now

	n, err := store.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.ReleaseStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Done)
	assert.Equal(t, int64(1), stats.Retryable)
}

func TestLedger_StopWithoutSweeper(t *testing.T) {
	ledger := New(NewMemoryStore(), DefaultConfig(), nil)
	ledger.Stop()

	ledger.StartSweeper()
	ledger.Stop()
}
