package trainer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("CELLFORGE_HOME", t.TempDir())
	cfg := DefaultConfig()

	assert.Equal(t, "inv_char", cfg.Cell.Template)
	assert.Equal(t, "batch", cfg.Backend.Variant)
	assert.Equal(t, 2, cfg.Pool.MaxRestarts)
	assert.Equal(t, 25, cfg.Pool.RestartEvery)
	assert.False(t, cfg.Pool.MeasureMissingFatal)
	assert.Equal(t, -1000.0, cfg.Reward.Sentinel)
	assert.Positive(t, cfg.Training.MaxSteps)
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("CELLFORGE_HOME", t.TempDir())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoadConfig_RoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CELLFORGE_HOME", home)

	cfg := DefaultConfig()
	cfg.Cell.Template = "rc_filter"
	cfg.Pool.MaxRestarts = 5
	cfg.Pool.MeasureMissingFatal = true
	cfg.Training.TargetReward = 3.5
	require.NoError(t, SaveConfig(cfg))

	got, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "rc_filter", got.Cell.Template)
	assert.Equal(t, 5, got.Pool.MaxRestarts)
	assert.True(t, got.Pool.MeasureMissingFatal)
	assert.Equal(t, 3.5, got.Training.TargetReward)
}

func TestHome_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CELLFORGE_HOME", dir)
	assert.Equal(t, dir, Home())
	assert.Equal(t, filepath.Join(dir, "runs"), DefaultConfig().Pool.Workdir)
}
