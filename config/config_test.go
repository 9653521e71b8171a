package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-experiment/runner"
	"github.com/goliatone/go-experiment/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Updates.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  driver: sqlite
  dsn: "file:exp.db"
lock:
  driver: redis
  wait: 2s
redis:
  addr: "localhost:6380"
updates:
  max_attempts: 6
tasks:
  workers: 8
  timeout: 90s
  max_retries: 1
watchdog:
  enabled: true
  stale_after: 15m
logging:
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "experiment_contexts", cfg.Store.Table)
	assert.Equal(t, 2*time.Second, cfg.Lock.Wait)
	assert.Equal(t, "exp_lock:", cfg.Lock.Prefix)
	assert.Equal(t, 6, cfg.Updates.MaxAttempts)
	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, 90*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, "@every 1m", cfg.Watchdog.Schedule)
	assert.Equal(t, 15*time.Minute, cfg.Watchdog.StaleAfter)
	assert.Len(t, cfg.Tasks.RunnerOptions(), 2)
	assert.Len(t, cfg.Updates.UpdaterOptions(), 2)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Lock.Driver = "etcd"
	cfg.Updates.MaxAttempts = 0
	cfg.Updates.BackoffJitter = 1.5
	cfg.Notify.Driver = "socketio"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.dsn", "lock.driver", "updates.max_attempts", "updates.backoff_jitter", "notify.url"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseRejectsUnknownDriver(t *testing.T) {
	_, err := Parse([]byte("store:\n  driver: mongo\n"))
	require.Error(t, err)
}

func TestUpdateBackoffWaitsOnlyForConflicts(t *testing.T) {
	assert.IsType(t, runner.Immediate{}, UpdateConfig{}.Backoff())

	b := UpdateConfig{BackoffBase: 10 * time.Millisecond, BackoffFactor: 2, BackoffMax: 30 * time.Millisecond}.Backoff()
	conflict := fmt.Errorf("write: %w", store.ErrVersionConflict)
	assert.Equal(t, 10*time.Millisecond, b.Delay(0, conflict))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1, conflict))
	assert.Equal(t, 30*time.Millisecond, b.Delay(2, conflict))
	assert.Zero(t, b.Delay(1, errors.New("disk full")))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  workers: 2\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Tasks.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
