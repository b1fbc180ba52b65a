package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":7070", cfg.RegistrationAddr)
	assert.Equal(t, "./data/handlers.yaml", cfg.RegistryPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "default", cfg.DeploymentName)
	assert.Equal(t, time.Second, cfg.PlannerInterval)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.RaftBindAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCHED_HTTP_ADDR", ":9999")
	t.Setenv("SCHED_REDIS_ADDR", "localhost:6379")
	t.Setenv("SCHED_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("SCHED_WORKERS", "16")
	t.Setenv("SCHED_LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 16, cfg.Workers)
	assert.True(t, cfg.LogJSON)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"planner interval too long", func(c *Config) { c.PlannerInterval = 2 * time.Second }, true},
		{"planner interval zero", func(c *Config) { c.PlannerInterval = 0 }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"bootstrap without bind addr", func(c *Config) { c.RaftBootstrap = true }, true},
		{"bootstrap with bind addr", func(c *Config) {
			c.RaftBootstrap = true
			c.RaftBindAddr = "127.0.0.1:7000"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
