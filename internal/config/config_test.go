package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "syncmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Sources)
	assert.Equal(t, 3*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, time.Second, cfg.TimeoutInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 15, cfg.TimeoutTicks)
	assert.Equal(t, 5, cfg.MaxBackoffTicks)
	assert.Equal(t, 8080, cfg.DashboardPort)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.True(t, cfg.Log.Compress)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.TimeoutTicks)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
sources:
  - ws://dqm-a:9215/sync
  - http://dqm-b:9215/sync_proxy
reconnect_interval: 5s
timeout_ticks: 30
stats_db: /tmp/stats.db
dashboard:
  port: 9000
log:
  file: /tmp/syncmon.log
  compress: false
verbose: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ws://dqm-a:9215/sync", "http://dqm-b:9215/sync_proxy"}, cfg.Sources)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30, cfg.TimeoutTicks)
	assert.Equal(t, "/tmp/stats.db", cfg.StatsDB)
	assert.Equal(t, 9000, cfg.DashboardPort)
	assert.Equal(t, "/tmp/syncmon.log", cfg.Log.File)
	assert.False(t, cfg.Log.Compress)
	assert.True(t, cfg.Verbose)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "dashboard:\n  port: 9000\n")
	t.Setenv("SYNCMON_DASHBOARD_PORT", "9100")
	t.Setenv("SYNCMON_SOURCES", "ws://a:1/sync,ws://b:2/sync")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.DashboardPort)
	assert.Equal(t, []string{"ws://a:1/sync", "ws://b:2/sync"}, cfg.Sources)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad scheme", func(c *Config) { c.Sources = []string{"ftp://host/sync"} }},
		{"no host", func(c *Config) { c.Sources = []string{"ws:///sync"} }},
		{"duplicate", func(c *Config) { c.Sources = []string{"ws://a/sync", "ws://a/sync"} }},
		{"zero reconnect", func(c *Config) { c.ReconnectInterval = 0 }},
		{"zero timeout ticks", func(c *Config) { c.TimeoutTicks = 0 }},
		{"zero backoff", func(c *Config) { c.MaxBackoffTicks = 0 }},
		{"port range", func(c *Config) { c.DashboardPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "sources: [\"gopher://x/sync\"]\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "timeout_ticks: 10\n")

	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("timeout_ticks: 20\n"), 0o644))

	// A single write may surface as several events; wait for the final
	// content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-w.Changes():
			if cfg.TimeoutTicks == 20 {
				return
			}
		case <-w.Errors():
		case <-deadline:
			t.Fatal("no reload")
		}
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := NewWatcher(writeConfig(t, t.TempDir(), ""))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
