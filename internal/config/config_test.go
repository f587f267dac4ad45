package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
database:
  type: sqlite
scheduler:
  workers: 8
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5334, cfg.Server.Port)
	assert.Equal(t, "ripple-publish.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollIntervalDuration())
	assert.True(t, *cfg.Scheduler.AutoStart)
	assert.Equal(t, 15*time.Minute, cfg.Executor.DefaultTimeoutDuration())
	assert.Equal(t, 10*time.Minute, cfg.Quota.ReservationTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.Quota.RecheckDelayDuration())
	assert.Contains(t, cfg.RateLimits, "task_create")
	assert.Equal(t, "publishing.events", cfg.Events.AMQP.Exchange)
}

func TestLoadConfigKeepsExplicitFalse(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
database:
  type: sqlite
scheduler:
  auto_start: false
maintenance:
  enabled: false
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, *cfg.Scheduler.AutoStart)
	assert.False(t, *cfg.Maintenance.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad poll interval", func(c *Config) { c.Scheduler.PollInterval = "soon" }},
		{"bad window", func(c *Config) { c.RateLimits["task_create"] = RateLimitRule{Window: "x", MaxRequests: 1} }},
		{"zero max requests", func(c *Config) { c.RateLimits["task_create"] = RateLimitRule{Window: "1m"} }},
		{"unknown database", func(c *Config) { c.Database.Type = "oracle" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatchReloadsRateLimits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
database:
  type: sqlite
rate_limits:
  task_create:
    window: 1m
    max_requests: 5
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var latest atomic.Int64
	err := Watch(ctx, path, zap.NewNop(), func(cfg *Config) {
		latest.Store(int64(cfg.RateLimits["task_create"].MaxRequests))
	})
	require.NoError(t, err)

	writeConfig(t, dir, `
database:
  type: sqlite
rate_limits:
  task_create:
    window: 1m
    max_requests: 9
`)

	require.Eventually(t, func() bool { return latest.Load() == 9 }, 5*time.Second, 50*time.Millisecond)
}
