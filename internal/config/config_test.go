package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrentDocuments)

	assert.Equal(t, 3, cfg.Router.NoModelMaxEntities)
	assert.Equal(t, 8, cfg.Router.SmallMaxEntities)
	assert.InDelta(t, 0.6, cfg.Router.SmallMaxComplexity, 0.001)
	assert.Equal(t, 1800, cfg.Router.SmallTokenCeiling)
	assert.Equal(t, 3000, cfg.Router.LargeTokenCeiling)
	assert.Equal(t, 6, cfg.Router.BatchMaxSegments)
	assert.Equal(t, 2, cfg.Router.VisionCapDefault)
	assert.InDelta(t, 0.08, cfg.Router.ImageHeavyRatio, 0.001)

	assert.Equal(t, 120, cfg.Budget.DocSmallCalls)
	assert.Equal(t, 8, cfg.Budget.DocLargeCalls)
	assert.Equal(t, 2, cfg.Budget.DocVisionCalls)
	assert.InDelta(t, 2.50, cfg.Budget.DocCostCeilingUSD, 0.001)
	assert.InDelta(t, 0.9, cfg.Budget.WarnFraction, 0.001)

	assert.Equal(t, 3, cfg.Miner.TopK)
	assert.InDelta(t, 0.05, cfg.Miner.GenericRelationCap, 0.001)

	assert.InDelta(t, 0.85, cfg.Normalizer.SimilarityThreshold, 0.001)

	assert.Equal(t, "profiles", cfg.Gate.ProfilePath)
	assert.InDelta(t, 0.75, cfg.Gate.SecondOpinionConfidence, 0.001)

	assert.Equal(t, 5*time.Minute, cfg.Supervisor.GlobalTimeout)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.StateTimeout)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.ExtractBatchTimeout)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.CrossSegmentTimeout)
	assert.Equal(t, 50, cfg.Supervisor.MaxTransitions)
	assert.Equal(t, 3, cfg.Supervisor.StateRetries)

	assert.Equal(t, 20, cfg.Dispatcher.Small.Concurrency)
	assert.Equal(t, 300, cfg.Dispatcher.Small.RequestsPerMinute)
	assert.Equal(t, 2, cfg.Dispatcher.Vision.Concurrency)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/ingest
log:
  level: debug
  format: console
server:
  port: 9090
batch:
  max_concurrent_documents: 10
supervisor:
  global_timeout: 120s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrentDocuments)
	assert.Equal(t, 2*time.Minute, cfg.Supervisor.GlobalTimeout)
	// Defaults still apply for unset values
	assert.Equal(t, 6, cfg.Router.BatchMaxSegments)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("INGEST_STORE_DRIVER", "postgres")
	t.Setenv("INGEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("INGEST_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
