package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:9080", cfg.GraphURI)
	assert.Equal(t, time.Hour, cfg.JobStatusRetention)
	assert.Equal(t, 3, cfg.MaxInferenceIterations)
	assert.Equal(t, 0.97, cfg.FaithfulnessThreshold)
	assert.Equal(t, 0.80, cfg.CoverageThreshold)
	assert.GreaterOrEqual(t, cfg.IngestionWorkers, 1)
	assert.LessOrEqual(t, cfg.IngestionWorkers, 8)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GRAPH_URI", "dgraph.internal:9080")
	t.Setenv("LM_MODEL", "llama3.3")
	t.Setenv("INGESTION_WORKERS", "2")
	t.Setenv("JOB_STATUS_RETENTION", "2h")
	t.Setenv("FAITHFULNESS_THRESHOLD", "0.99")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "dgraph.internal:9080", cfg.GraphURI)
	assert.Equal(t, "llama3.3", cfg.LMModel)
	assert.Equal(t, 2, cfg.IngestionWorkers)
	assert.Equal(t, 2*time.Hour, cfg.JobStatusRetention)
	assert.Equal(t, 0.99, cfg.FaithfulnessThreshold)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("INGESTION_WORKERS", "many")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidateRejectsShortRetention(t *testing.T) {
	t.Setenv("JOB_STATUS_RETENTION", "5m")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"lm_model: mistral\nquery_deadline: 90s\n"), 0o644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, "mistral", cfg.LMModel)
	assert.Equal(t, 90*time.Second, cfg.QueryDeadline)
	// Untouched settings keep their defaults.
	assert.Equal(t, "localhost:9080", cfg.GraphURI)
}
