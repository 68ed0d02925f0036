package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const baseConfig = `
app:
  env: test
  log_level: debug
venues:
  source: paper
  destination: binance
  binance:
    api_key: key
    api_secret: secret
policy:
  emergency_loss_pct: 0.2
  tighten_stop_pct: 0.4
cycle:
  interval: 5m
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", baseConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, "paper", cfg.Venues.Source)
	assert.Equal(t, "binance", cfg.Venues.Destination)
	assert.Equal(t, 0.2, cfg.Policy.EmergencyLossPct)
	assert.Equal(t, "5m", cfg.Cycle.Interval)

	// defaults fill the gaps
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)
	assert.Equal(t, "data/portage.db", cfg.Storage.DBPath)
	assert.Equal(t, 4, cfg.Cycle.MaxConcurrentCloses)
	assert.Equal(t, 10, cfg.Venues.Binance.TimeoutSeconds)
}

func TestLoadWithIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "secrets.yaml", `
venues:
  binance:
    api_key: from-include
    api_secret: s3cret
`)
	main := writeFile(t, dir, "config.yaml", `
include:
  - secrets.yaml
app:
  env: prod
venues:
  source: binance
  destination: paper
policy:
  emergency_loss_pct: 0.3
  tighten_stop_pct: 0.5
cycle:
  interval: 15m
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "from-include", cfg.Venues.Binance.APIKey)
	assert.Equal(t, "prod", cfg.App.Env)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing venues", func(c *Config) { c.Venues.Source = "" }, "required"},
		{"unknown venue", func(c *Config) { c.Venues.Source = "kraken" }, "unknown source venue"},
		{"same venues", func(c *Config) { c.Venues.Destination = c.Venues.Source }, "must differ"},
		{"bad interval", func(c *Config) { c.Cycle.Interval = "soon" }, "not a valid interval"},
		{"threshold too big", func(c *Config) { c.Policy.EmergencyLossPct = 1.5 }, "emergency_loss_pct"},
		{"stop pct out of range", func(c *Config) { c.Policy.TightenStopPct = 1.0 }, "tighten_stop_pct"},
		{"binance without key", func(c *Config) {
			c.Venues.Source = "binance"
			c.Venues.Destination = "paper"
			c.Venues.Binance.APIKey = ""
		}, "api_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			dir := t.TempDir()
			path := writeFile(t, dir, "config.yaml", baseConfig)
			loaded, err := Load(path)
			require.NoError(t, err)
			*cfg = *loaded
			tc.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
