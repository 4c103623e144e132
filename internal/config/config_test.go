package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":9632", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Task.Workers)
	assert.Equal(t, 2, cfg.Contribution.Quorum)
	assert.NotEmpty(t, cfg.Transport.PeerID)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
store:
  path: /tmp/knowd-test/store
  exact_scan_threshold: 10
task:
  workers: 2
  retention: 48h
contribution:
  quorum: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/knowd-test/store", cfg.Store.Path)
	assert.Equal(t, 10, cfg.Store.ExactScanThreshold)
	assert.Equal(t, 2, cfg.Task.Workers)
	assert.Equal(t, 48*time.Hour, cfg.Task.Retention)
	assert.Equal(t, 5, cfg.Contribution.Quorum)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":7000\"\n")
	t.Setenv("KNOWD_SERVER_ADDR", ":8000")
	t.Setenv("KNOWD_TRANSPORT_PEER_ID", "peer-7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "peer-7", cfg.Transport.PeerID)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "task:\n  workers: -1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestEnvToPath(t *testing.T) {
	assert.Equal(t, "store.path", envToPath("KNOWD_STORE_PATH"))
	assert.Equal(t, "task.queue_depth", envToPath("KNOWD_TASK_QUEUE_DEPTH"))
	assert.Equal(t, "server.shutdown_timeout", envToPath("KNOWD_SERVER_SHUTDOWN_TIMEOUT"))
}
