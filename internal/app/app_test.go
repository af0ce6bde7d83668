package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/domain/pacase"
)

func TestNew_InMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.LLMAPIKey = "sk-test"

	a, err := New(context.Background(), "pafill-test", cfg, zap.NewNop())
	require.NoError(t, err)
	a.Start()
	defer a.Close(context.Background())

	assert.Nil(t, a.DB)
	assert.IsType(t, &pacase.MemoryRepository{}, a.Repo)
	assert.Equal(t, cfg.Concurrency, a.Runner.Stats().Workers)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_BadDatabaseURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.DatabaseURL = "not a url://"

	_, err := New(context.Background(), "pafill-test", cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestMappings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfidenceThreshold = 0.6
	cfg.TruncationPolicy = config.TruncationHead
	cfg.MaxAttempts = 5
	cfg.BackoffMax = time.Second

	rc := ResolverConfig(cfg)
	assert.Equal(t, 0.6, rc.ConfidenceThreshold)
	assert.Equal(t, config.TruncationHead, rc.Window.Policy)
	assert.Equal(t, cfg.MaxSourceChars, rc.Window.MaxChars)

	p := CallPolicy(cfg)
	assert.Equal(t, uint(5), p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxBackoff)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pafill.env")
	require.NoError(t, os.WriteFile(path, []byte("PAFILL_ENV_TEST_MODEL=gpt-test\nPAFILL_ENV_TEST_KEEP=from-file\n"), 0o600))
	t.Setenv("PAFILL_ENV_TEST_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("PAFILL_ENV_TEST_MODEL") })

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "gpt-test", os.Getenv("PAFILL_ENV_TEST_MODEL"))
	assert.Equal(t, "from-env", os.Getenv("PAFILL_ENV_TEST_KEEP"))
}
