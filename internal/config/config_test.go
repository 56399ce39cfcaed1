package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", cfg.Worker.ID)
	assert.Equal(t, 30*time.Second, cfg.Coordination.LockTTL)
	assert.Equal(t, "coordination.db", cfg.Database.DSN)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  id: worker-7
  account_id: sub007
coordination:
  lock_ttl: 60s
  heartbeat_interval: 10s
trading:
  watchlist: ["005930", "000660"]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.Worker.ID)
	assert.Equal(t, time.Minute, cfg.Coordination.LockTTL)
	assert.Equal(t, []string{"005930", "000660"}, cfg.Trading.Watchlist)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.02, cfg.Trading.TargetGainPct)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  id: from-file\n"), 0644))
	t.Setenv("WORKER_ID", "from-env")
	t.Setenv("DATABASE_DSN", "file:env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Worker.ID)
	assert.Equal(t, "file:env.db", cfg.Database.DSN)
}

func TestValidateRejectsShortLease(t *testing.T) {
	cfg := Default()
	cfg.Coordination.LockTTL = cfg.Coordination.HeartbeatInterval // one beat per lease
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "three heartbeat intervals")
}

func TestValidateRequiresWorkerID(t *testing.T) {
	cfg := Default()
	cfg.Worker.ID = ""
	assert.Error(t, cfg.Validate())
}
