package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.DataDir)
	assert.False(t, cfg.AllowInjection)
	assert.Equal(t, filesystem.DefaultLockOptions(), cfg.LockOptions())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imposterd.yaml")
	content := `
datadir: /var/lib/imposters
configfile: imposters.json
allowInjection: true
injectionTimeout: 2s
logLevel: debug
proxy:
  timeout: 10s
lock:
  retries: 5
  minTimeout: 20ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/imposters", cfg.DataDir)
	assert.Equal(t, "imposters.json", cfg.ConfigFile)
	assert.True(t, cfg.AllowInjection)
	assert.Equal(t, 2*time.Second, cfg.InjectionTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 5, cfg.Lock.Retries)
	assert.Equal(t, 20*time.Millisecond, cfg.Lock.MinTimeout)

	// Unset values keep their defaults
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.Lock.MaxTimeout)
	assert.Equal(t, 1.5, cfg.Lock.Factor)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"metrics port", func(c *Config) { c.MetricsPort = 70000 }, "MetricsPort"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"injection timeout", func(c *Config) { c.InjectionTimeout = 0 }, "InjectionTimeout"},
		{"lock retries", func(c *Config) { c.Lock.Retries = 0 }, "Retries"},
		{"lock factor", func(c *Config) { c.Lock.Factor = 0.5 }, "Factor"},
		{"lock max below min", func(c *Config) { c.Lock.MaxTimeout = time.Millisecond }, "MaxTimeout"},
		{"proxy timeout", func(c *Config) { c.Proxy.Timeout = 0 }, "Timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.field), "expected %s in %v", tt.field, err)
		})
	}
}
