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
	cfg, v, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "http://localhost:8088", cfg.Ingest.URL)
	assert.Equal(t, 10000, cfg.Queue.Capacity)
	assert.Equal(t, 50, cfg.Sender.BatchSize)
	assert.Equal(t, time.Second, cfg.Sender.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Sender.MaxDelay)
	assert.Equal(t, 5, cfg.Sender.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Sender.FlushInterval)
	assert.False(t, cfg.Spool.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Spool.CheckpointInterval)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingest:
  url: http://ingest:8088
sender:
  batch_size: 10
spool:
  enabled: true
`), 0o600))

	t.Setenv("COLLECTOR_SENDER_MAX_RETRIES", "2")
	t.Setenv("COLLECTOR_SPOOL_NAME", "laptop-1")

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://ingest:8088", cfg.Ingest.URL)
	assert.Equal(t, 10, cfg.Sender.BatchSize)
	assert.Equal(t, 2, cfg.Sender.MaxRetries)
	assert.True(t, cfg.Spool.Enabled)
	assert.Equal(t, "laptop-1", cfg.Spool.Name)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Sender.BatchSize)
}
