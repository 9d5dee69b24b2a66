package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, cfg.ModelSettings.Temperature)
	assert.Equal(t, 5, cfg.Sweep.IntervalMinutes)
	assert.Equal(t, 60, cfg.Scheduling.BaseCooldownMinutes)
	assert.Equal(t, 2.0, cfg.Scheduling.CooldownMultiplier)
	assert.True(t, cfg.Scheduling.AutoUnmatchAfterProactive)
	assert.Equal(t, 832, cfg.Image.Width)
	assert.Equal(t, "DPM++ 2M", cfg.Image.SamplerName)
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	data := `
model_settings:
  temperature: 0.7
scheduling:
  daily_proactive_limit: 2
  cooldown_multiplier: 1.5
image:
  width: 640
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.ModelSettings.Temperature)
	assert.Equal(t, 2, cfg.Scheduling.DailyProactiveLimit)
	assert.Equal(t, 1.5, cfg.Scheduling.CooldownMultiplier)
	assert.Equal(t, 640, cfg.Image.Width)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1216, cfg.Image.Height)
	assert.Equal(t, 4, cfg.Scheduling.MaxConsecutiveProactive)
}

func TestLoadConfigBadYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("model_settings: ["), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
