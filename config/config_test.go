package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Grace.Window)
	assert.Equal(t, 30*time.Second, cfg.Grace.Soft)
	assert.Equal(t, 30*time.Second, cfg.Reaper.Interval)
	assert.True(t, cfg.WIP.ConsumeUpstream)
}

func TestDefaultFileMatchesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floorline.yaml")
	require.NoError(t, WriteDefault(path))
	require.Error(t, WriteDefault(path))

	fromFile, _, err := Load(path)
	require.NoError(t, err)
	builtIn, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, builtIn, fromFile)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floorline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\n  dsn: /tmp/floor.db\ngrace:\n  window: 2m\n"), 0o644))
	t.Setenv("FLOORLINE_GRACE_SOFT", "10s")
	t.Setenv("FLOORLINE_HTTP_PORT", "8080")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/floor.db", cfg.Database.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Grace.Window)
	assert.Equal(t, 10*time.Second, cfg.Grace.Soft)
	assert.Equal(t, "8080", cfg.HTTP.Port)
}

func TestValidate(t *testing.T) {
	base, _, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"soft longer than window", func(c *Config) { c.Grace.Soft = 10 * time.Minute }, "grace.soft"},
		{"zero window", func(c *Config) { c.Grace.Window = 0 }, "grace.window"},
		{"heartbeat slower than window", func(c *Config) { c.Heartbeat.Interval = 6 * time.Minute }, "heartbeat.interval"},
		{"reaper without interval", func(c *Config) { c.Reaper.Interval = 0 }, "reaper.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	disabled := *base
	disabled.Reaper.Enabled = false
	disabled.Reaper.Interval = 0
	require.NoError(t, disabled.Validate())
}

func TestYAMLRendersDurations(t *testing.T) {
	cfg, _, err := Load("")
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "window: 5m0s")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Contains(t, back, "grace")
}

func TestWatchAppliesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "floorline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grace:\n  window: 5m\n  soft: 30s\n"), 0o644))

	_, v, err := Load(path)
	require.NoError(t, err)

	var window atomic.Int64
	Watch(v, cmtlog.NewNopLogger(), func(cfg *Config) {
		window.Store(int64(cfg.Grace.Window))
	})

	require.NoError(t, os.WriteFile(path, []byte("grace:\n  window: 3m\n  soft: 30s\n"), 0o644))
	require.Eventually(t, func() bool {
		return time.Duration(window.Load()) == 3*time.Minute
	}, 5*time.Second, 20*time.Millisecond)
}
