package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresServerAndDevice(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "")
	t.Setenv("DEVICE_ID", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("SYNC_SERVER_URL", "https://sync.example.com")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("DEVICE_ID", "device-1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "device-1", cfg.DeviceID)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("DEVICE_ID", "device-1")
	t.Setenv("SYNC_CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 1000, cfg.Sync.RetryDelayMs)
	assert.Equal(t, 30000, cfg.Sync.TimeoutMs)
	assert.True(t, cfg.Sync.EnableBatchSync)
	assert.True(t, cfg.Sync.EnableDeltaSync)
	assert.Equal(t, 300000, cfg.Sync.SyncIntervalMs)
	assert.Equal(t, "https://sync.example.com/api/sync/status", cfg.Probe.HealthURL)
}

func TestLoadSyncConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.json")
	body := `{"batch_size": 25, "max_retries": 5, "enable_delta_sync": false,
		"retry_delay_ms": 1000, "timeout_ms": 10000, "enable_batch_sync": true,
		"sync_interval_ms": 60000}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("SYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("DEVICE_ID", "device-1")
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.False(t, cfg.Sync.EnableDeltaSync)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("DEVICE_ID", "device-1")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("SYNC_ENABLE_DELTA", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.False(t, cfg.Sync.EnableDeltaSync)
}

func TestSyncConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*SyncConfig)
		wantErr bool
	}{
		{"defaults ok", func(sc *SyncConfig) {}, false},
		{"zero batch", func(sc *SyncConfig) { sc.BatchSize = 0 }, true},
		{"zero retries", func(sc *SyncConfig) { sc.MaxRetries = 0 }, true},
		{"negative delay", func(sc *SyncConfig) { sc.RetryDelayMs = -1 }, true},
		{"zero timeout", func(sc *SyncConfig) { sc.TimeoutMs = 0 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := DefaultSyncConfig()
			tc.mutate(&sc)
			err := sc.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
