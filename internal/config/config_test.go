package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Runner.ClaimLimit)
	assert.Equal(t, 5, cfg.Runner.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Runner.MaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Replayer.Stale)
	assert.Equal(t, "none", cfg.Retention.Mode)
	assert.Equal(t, 5, cfg.Kafka.Breaker.FailThreshold)
}

func TestLoad_FileEnvFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outboxflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
sqlite:
  path: /var/lib/outboxflow.db
runner:
  claim_limit: 50
`), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OUTBOXFLOW_RETENTION_MODE=archive\n"), 0o600))
	t.Setenv("OUTBOXFLOW_RUNNER_MAX_ATTEMPTS", "9")
	t.Setenv("OUTBOXFLOW_RETENTION_MODE", "")
	os.Unsetenv("OUTBOXFLOW_RETENTION_MODE")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/outboxflow.db", cfg.SQLite.Path)
	assert.Equal(t, 50, cfg.Runner.ClaimLimit)
	assert.Equal(t, 9, cfg.Runner.MaxAttempts)
	assert.Equal(t, "archive", cfg.Retention.Mode)
	assert.Equal(t, time.Second, cfg.Runner.BaseDelay, "untouched defaults survive the merge")
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}
