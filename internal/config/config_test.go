package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchlens/benchlens/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.Server.Address)
	assert.Equal(t, ":2112", cfg.Server.MetricsAddress)
	assert.Equal(t, 10*time.Second, cfg.Server.GracefulTimeout)
	assert.Equal(t, models.ModeAuto, cfg.Analysis.Mode)
	assert.Equal(t, 50, cfg.Archive.HistoryWindow)
	assert.Equal(t, 10, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, "memory", cfg.Jobs.Store)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 4.0, cfg.Analysis.Thresholds.RobustZ)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
  gracefulTimeout: 5s
archive:
  baseURL: http://archive:8080
  historyWindow: 30
analysis:
  mode: heuristic
  thresholds:
    robustZ: 5.0
model:
  model: qwen2.5-32b
  baseURL: http://llm:8000/v1
  apiKey: EMPTY
jobs:
  workers: 4
  retention: 30m
  store: postgres
  postgresDSN: postgres://jobs:secret@db:5432/benchlens
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.GracefulTimeout)
	assert.Equal(t, "http://archive:8080", cfg.Archive.BaseURL)
	assert.Equal(t, 30, cfg.Archive.HistoryWindow)
	assert.Equal(t, models.ModeHeuristic, cfg.Analysis.Mode)
	assert.Equal(t, 5.0, cfg.Analysis.Thresholds.RobustZ)
	assert.Equal(t, "qwen2.5-32b", cfg.Model.Model)
	assert.Equal(t, "EMPTY", cfg.Model.APIKey)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.Retention)
	assert.Equal(t, "postgres", cfg.Jobs.Store)

	// Unset values keep their defaults.
	assert.Equal(t, ":2112", cfg.Server.MetricsAddress)
	assert.Equal(t, 10, cfg.Batch.MaxBatchSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BENCHLENS_SERVER_ADDRESS", ":7070")
	t.Setenv("BENCHLENS_ARCHIVE_BASE_URL", "http://archive.test")
	t.Setenv("BENCHLENS_ANALYSIS_MODE", "model")
	t.Setenv("BENCHLENS_MODEL_NAME", "llama-70b")
	t.Setenv("BENCHLENS_JOBS_RETENTION", "15m")
	t.Setenv("BENCHLENS_LOG_FORMAT", "json")
	t.Setenv("BENCHLENS_CACHE_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "http://archive.test", cfg.Archive.BaseURL)
	assert.Equal(t, models.ModeModel, cfg.Analysis.Mode)
	assert.Equal(t, "llama-70b", cfg.Model.Model)
	assert.Equal(t, 15*time.Minute, cfg.Jobs.Retention)
	assert.True(t, cfg.Logging.JSON)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9090\"\n")
	t.Setenv("BENCHLENS_SERVER_ADDRESS", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Address)
}

func TestLoadInvalidMode(t *testing.T) {
	path := writeConfig(t, "analysis:\n  mode: psychic\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid analysis mode")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSystemPromptDefault(t *testing.T) {
	prompt, err := ModelConfig{}.SystemPrompt()
	require.NoError(t, err)
	assert.Contains(t, prompt, "strict JSON")
}

func TestSystemPromptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("custom policy"), 0o644))

	prompt, err := ModelConfig{PromptPath: path}.SystemPrompt()
	require.NoError(t, err)
	assert.Equal(t, "custom policy", prompt)

	_, err = ModelConfig{PromptPath: filepath.Join(t.TempDir(), "absent")}.SystemPrompt()
	assert.Error(t, err)
}
