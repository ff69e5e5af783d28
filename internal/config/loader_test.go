package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardpager/wardpager/internal/types"
)

const sample = `
server:
  http_addr: ":9090"
  grpc_addr: ":9091"
policy:
  broadcast_selector: hospital_all
  urgencies:
    critical:
      - timeout: 2m
        selector: nurses
      - timeout: 3m
        selector: doctors
      - timeout: 5m
        selector: head_doctor
    normal:
      - timeout: 20m
        selector: nurses
channels:
  push:
    enabled: true
  websocket:
    enabled: true
directory:
  source: static
  selectors:
    nurses: [n1, n2]
    doctors: [d1]
    head_doctor: [h1]
    hospital_all: [n1, n2, d1, h1]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wardpager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("WARDPAGER_DB_PASSWORD", "s3cret")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9091", cfg.Server.GRPCAddr)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Contains(t, cfg.Database.DSN(), "password=s3cret")
	assert.Equal(t, []string{"n1", "n2"}, cfg.Directory.Selectors["nurses"])

	p, err := cfg.BuildPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxTier(types.Critical))
	assert.Equal(t, 0, p.MaxTier(types.Normal))
	assert.Equal(t, -1, p.MaxTier(types.Urgent))
	assert.Equal(t, "hospital_all", p.BroadcastSelector())

	tier1, ok := p.NextTier(types.Critical, 1)
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, tier1.Timeout)
	assert.Equal(t, "doctors", tier1.Selector)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "channels:\n  websocket:\n    enabled: true\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Server.HTTPAddr)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.PairBudget)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.OverallTimeout)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, []string{"log"}, cfg.Audit.Sinks)

	p, err := cfg.BuildPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxTier(types.Critical))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WARDPAGER_HTTP_ADDR", ":7000")
	t.Setenv("WARDPAGER_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(c *Config){
		"no channels": func(c *Config) {
			c.Channels.WebSocket.Enabled = false
		},
		"bad urgency": func(c *Config) {
			c.Policy.Urgencies = map[string][]TierConfig{"meh": {{Timeout: time.Minute, Selector: "x"}}}
		},
		"zero timeout": func(c *Config) {
			c.Policy.Urgencies = map[string][]TierConfig{"critical": {{Selector: "x"}}}
		},
		"budget beyond overall": func(c *Config) {
			c.Dispatch.PairBudget = time.Minute
		},
		"mqtt without broker": func(c *Config) {
			c.Channels.MQTT.Enabled = true
		},
		"unknown directory": func(c *Config) {
			c.Directory.Source = "ldap"
		},
		"empty selector": func(c *Config) {
			c.Directory.Selectors = map[string][]string{"nurses": {}}
		},
		"unknown storage": func(c *Config) {
			c.Storage.Driver = "mongo"
		},
		"postgres audit on memory": func(c *Config) {
			c.Audit.Sinks = []string{"postgres"}
		},
		"unknown sink": func(c *Config) {
			c.Audit.Sinks = []string{"kafka"}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Channels.WebSocket.Enabled = true
			require.NoError(t, ValidateConfig(cfg))

			mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}
