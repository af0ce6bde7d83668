package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/faults"
)

func files(tag string) []Artifact {
	return []Artifact{
		{Name: Editable, Data: []byte("editable " + tag)},
		{Name: Flattened, Data: []byte("flattened " + tag)},
		{Name: ReportText, Data: []byte("report " + tag)},
	}
}

func TestPublish_ThenRead(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), "case-1", Manifest{Fingerprint: "fp"}, files("v1")))

	b, err := s.Read("case-1", Editable)
	require.NoError(t, err)
	assert.Equal(t, "editable v1", string(b))

	m, err := s.Manifest("case-1")
	require.NoError(t, err)
	assert.Equal(t, "fp", m.Fingerprint)
	assert.Equal(t, []string{Editable, Flattened, ReportText}, m.Names())
}

func TestPublish_ReplacesWholeDirectory(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root, 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), "case-1", Manifest{}, append(files("v1"), Artifact{Name: ReportPDF, Data: []byte("pdf")})))
	require.NoError(t, s.Publish(context.Background(), "case-1", Manifest{}, files("v2")))

	b, err := s.Read("case-1", Flattened)
	require.NoError(t, err)
	assert.Equal(t, "flattened v2", string(b))

	_, err = s.Read("case-1", ReportPDF)
	assert.ErrorIs(t, err, ErrNotFound)

	staged, err := os.ReadDir(filepath.Join(root, ".staging"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestPublish_CancelledLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root, 3, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Publish(ctx, "case-1", Manifest{}, files("v1"))
	require.Error(t, err)
	var pe *faults.PersistenceError
	assert.True(t, errors.As(err, &pe))

	_, statErr := os.Stat(filepath.Join(root, "case-1"))
	assert.True(t, os.IsNotExist(statErr))
	staged, err := os.ReadDir(filepath.Join(root, ".staging"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestPublish_RejectsBadNames(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), 1, nil)
	require.NoError(t, err)

	assert.Error(t, s.Publish(context.Background(), "../escape", Manifest{}, files("v1")))
	assert.Error(t, s.Publish(context.Background(), "case-1", Manifest{}, []Artifact{{Name: "other.bin"}}))

	_, err = s.Read("case-1", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRead_Missing(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), 1, nil)
	require.NoError(t, err)
	_, err = s.Read("nope", Editable)
	assert.ErrorIs(t, err, ErrNotFound)
}
