package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 30, cfg.Engine.BaselineWindowDays)
	assert.Equal(t, 14, cfg.Engine.MinHistory)
	assert.Equal(t, 2, cfg.Engine.MinAgreement)
	assert.Equal(t, []float64{20, 40, 60, 80}, cfg.Engine.FallbackBoundaries)
	assert.Equal(t, 15, cfg.Engine.MinTierSamples)
	assert.InDelta(t, 0.05, cfg.Engine.TrendAlpha, 1e-12)
	assert.InDelta(t, 0.3, cfg.Engine.EWMAAlpha, 1e-12)
	assert.Equal(t, 7, cfg.Engine.SeasonalPeriod)
	assert.Equal(t, 3, cfg.Engine.CommitAttempts)
	require.NoError(t, cfg.Engine.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("engine:\n  pipelineVersion: test/v1\n  workers: 2\nsqlite:\n  path: /tmp/x.db\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	t.Setenv("ATLAS_SERVER_PORT", "9191")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "test/v1", cfg.Engine.PipelineVersion)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, "/tmp/x.db", cfg.SQLite.Path)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Engine.BaselineWindowDays)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEngineValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"empty version", func(e *EngineConfig) { e.PipelineVersion = "" }},
		{"min history above window", func(e *EngineConfig) { e.MinHistory = 40 }},
		{"agreement out of range", func(e *EngineConfig) { e.MinAgreement = 4 }},
		{"boundaries not increasing", func(e *EngineConfig) { e.FallbackBoundaries = []float64{20, 60, 40, 80} }},
		{"boundaries outside range", func(e *EngineConfig) { e.FallbackBoundaries = []float64{0, 40, 60, 80} }},
		{"ewma alpha zero", func(e *EngineConfig) { e.EWMAAlpha = 0 }},
		{"seasonal period too short", func(e *EngineConfig) { e.SeasonalPeriod = 1 }},
		{"no commit attempts", func(e *EngineConfig) { e.CommitAttempts = 0 }},
		{"wrong boundary count", func(e *EngineConfig) { e.FallbackBoundaries = []float64{20, 40} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Defaults().Engine
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}
