package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPipelineConfigDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewPipelineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	require.Equal(t, DefaultPipelineConfig(), cfg)
}

func TestPipelineConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`pipeline:
  poll:
    interval: 10s
    maxAttempts: 5
  watermark: "made by tests"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yml"), content, 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewPipelineConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	require.Equal(t, 10*time.Second, cfg.Poll.Interval)
	require.Equal(t, 5, cfg.Poll.MaxAttempts)
	require.Equal(t, "made by tests", cfg.Watermark)
	require.Equal(t, DefaultPipelineConfig().Dispatch, cfg.Dispatch)
}

func TestValidatePipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	require.NoError(t, validatePipelineConfig(cfg))

	cfg.Watermark = "  "
	require.Error(t, validatePipelineConfig(cfg))

	cfg = DefaultPipelineConfig()
	cfg.Poll.MaxAttempts = 0
	require.Error(t, validatePipelineConfig(cfg))
}

func TestParseList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	require.Empty(t, parseList(""))
}
