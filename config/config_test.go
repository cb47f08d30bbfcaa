package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blockflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, KernelExpr, cfg.Kernel.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Engine.NodeTimeout.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
kernel:
  backend: python
  interrupt_grace: 500ms
engine:
  node_timeout: 30s
storage:
  backend: redis
  redis:
    addr: redis:6379
    db: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, KernelPython, cfg.Kernel.Backend)
	assert.Equal(t, "python3", cfg.Kernel.PythonBinary)
	assert.Equal(t, 500*time.Millisecond, cfg.Kernel.InterruptGrace.Std())
	assert.Equal(t, 30*time.Second, cfg.Engine.NodeTimeout.Std())
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, 10, cfg.Storage.Redis.PoolSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "engine:\n  node_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "soon"`)

	_, err = Load(writeConfig(t, "kernel:\n  backend: lua\nstorage:\n  backend: disk\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel.backend")
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestDurationRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Default().Session)
	require.NoError(t, err)
	assert.Contains(t, string(out), "idle_timeout: 30m0s")

	var back SessionConfig
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, Default().Session, back)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "log.level must be one of"},
		{"zero source limit", func(c *Config) { c.Analyzer.MaxSourceSize = 0 }, "analyzer.max_source_size must be greater than 0"},
		{"python without binary", func(c *Config) {
			c.Kernel.Backend = KernelPython
			c.Kernel.PythonBinary = ""
		}, "kernel.python_binary is required when Backend is python"},
		{"negative idle timeout", func(c *Config) { c.Session.IdleTimeout = Duration(-time.Second) }, "session.idle_timeout must not be negative"},
		{"reaper without interval", func(c *Config) { c.Session.ReapInterval = 0 }, "session.reap_interval must be positive when idle_timeout is set"},
		{"zero node timeout", func(c *Config) { c.Engine.NodeTimeout = 0 }, "engine.node_timeout must be greater than 0"},
		{"zero event buffer", func(c *Config) { c.Engine.EventBuffer = 0 }, "engine.event_buffer must be greater than 0"},
		{"redis without addr", func(c *Config) {
			c.Storage.Backend = StorageRedis
			c.Storage.Redis.Addr = ""
		}, "storage.redis.addr is required for the redis backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.Session.IdleTimeout = 0
	cfg.Session.ReapInterval = 0
	assert.NoError(t, cfg.Validate(), "a disabled reaper needs no interval")
}
