package pacase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runToReported(t *testing.T, c *Case) {
	t.Helper()
	for s := Next(c.Stage()); s != StageDone; s = Next(s) {
		require.NoError(t, c.Advance(s, ""))
	}
}

func TestCase_HappyPath(t *testing.T) {
	c := New("case-1")
	require.NoError(t, c.Start("humira-2024", "fp1"))
	assert.Equal(t, StageCreated, c.Stage())

	runToReported(t, c)
	assert.Equal(t, StageReported, c.Stage())

	require.NoError(t, c.Complete(Summary{Fields: 3, Resolved: 2, Unresolved: 1, RequiredMissing: 1}))
	assert.Equal(t, StageDone, c.Stage())
	assert.Equal(t, 8, c.Version())
	assert.Len(t, c.Changes(), 8)
	assert.Equal(t, 2, c.Summary().Resolved)
}

func TestCase_NoStageSkipped(t *testing.T) {
	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp"))

	err := c.Advance(StageAnswersResolved, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = c.Advance(StageDone, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, c.Complete(Summary{}), ErrInvalidTransition)
	assert.Equal(t, StageCreated, c.Stage())
}

func TestCase_Fail(t *testing.T) {
	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp"))
	require.NoError(t, c.Advance(StageSchemaExtracted, ""))
	require.NoError(t, c.Fail(StageContextsGenerated, errors.New("unauthorized")))

	assert.Equal(t, StageFailed, c.Stage())
	assert.Equal(t, StageContextsGenerated, c.FailedStage())
	assert.Equal(t, "unauthorized", c.Failure())
	assert.ErrorIs(t, c.Fail(StageFilled, nil), ErrInvalidTransition)
	assert.ErrorIs(t, c.Advance(StageContextsGenerated, ""), ErrInvalidTransition)
}

func TestCase_ResetOnlyWhenFinished(t *testing.T) {
	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp1"))
	assert.ErrorIs(t, c.Reset("v1", "fp2"), ErrInvalidTransition)

	runToReported(t, c)
	require.NoError(t, c.Complete(Summary{}))
	require.NoError(t, c.Reset("v2", "fp2"))

	assert.Equal(t, StageCreated, c.Stage())
	assert.Equal(t, "v2", c.FormVersion())
	assert.Equal(t, "fp2", c.Fingerprint())
	assert.Nil(t, c.Summary())
}

func TestCase_StartTwice(t *testing.T) {
	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp"))
	assert.ErrorIs(t, c.Start("v1", "fp"), ErrInvalidTransition)
}

func TestMemoryRepository_RoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp"))
	require.NoError(t, c.Advance(StageSchemaExtracted, "3 fields"))
	require.NoError(t, repo.Save(ctx, c))
	assert.Empty(t, c.Changes())

	loaded, err := repo.Load(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, StageSchemaExtracted, loaded.Stage())
	assert.Equal(t, 2, loaded.Version())
	assert.Equal(t, "fp", loaded.Fingerprint())

	require.NoError(t, loaded.Fail(StageContextsGenerated, errors.New("boom")))
	require.NoError(t, repo.Save(ctx, loaded))

	out := repo.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, TopicFailed, out[0].KafkaTopic)
	assert.Equal(t, "case-1", out[0].KafkaKey)
}

func TestMemoryRepository_ConcurrentUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	c := New("case-1")
	require.NoError(t, c.Start("v1", "fp"))
	require.NoError(t, repo.Save(ctx, c))

	a, err := repo.Load(ctx, "case-1")
	require.NoError(t, err)
	b, err := repo.Load(ctx, "case-1")
	require.NoError(t, err)

	require.NoError(t, a.Advance(StageSchemaExtracted, ""))
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, b.Advance(StageSchemaExtracted, ""))
	assert.ErrorIs(t, repo.Save(ctx, b), ErrConcurrentUpdate)
}

func TestMemoryRepository_NotFound(t *testing.T) {
	_, err := NewMemoryRepository().Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
