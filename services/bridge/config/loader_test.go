// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "bridge-8000", cfg.Server.InstanceName)
	assert.Equal(t, 3, cfg.Gate.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Perf.SlowThreshold)
	assert.Equal(t, 30*time.Second, cfg.Perf.SlowThresholdTools)
	assert.Equal(t, 1*time.Hour, cfg.Session.TTL)
	assert.False(t, cfg.Discovery.Enabled())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	data := `
server:
  port: 8100
  instance_name: bridge-east
gate:
  max_concurrency: 8
  queue_depth: 4
  max_wait: 10s
session:
  ttl: 30m
  sweep_interval: 1m
  lease_wait: 5s
discovery:
  host: 10.0.0.1
  port_start: 8100
  port_end: 8103
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, "bridge-east", cfg.Server.InstanceName)
	assert.Equal(t, 8, cfg.Gate.MaxConcurrency)
	assert.Equal(t, 4, cfg.Gate.QueueDepth)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.True(t, cfg.Discovery.Enabled())
	assert.Equal(t, "10.0.0.1", cfg.Discovery.Host)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "claude", cfg.Adapter.Binary)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8100\n"), 0o600))

	t.Setenv("BRIDGE_PORT", "9000")
	t.Setenv("BRIDGE_MAX_CONCURRENT", "5")
	t.Setenv("SLOW_REQUEST_THRESHOLD", "2.5")
	t.Setenv("BRIDGE_MODELS", "claude-sonnet-4, claude-haiku-4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "bridge-9000", cfg.Server.InstanceName)
	assert.Equal(t, 5, cfg.Gate.MaxConcurrency)
	assert.Equal(t, 2500*time.Millisecond, cfg.Perf.SlowThreshold)
	assert.Equal(t, []string{"claude-sonnet-4", "claude-haiku-4"}, cfg.Models)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidate_CrossFieldRules(t *testing.T) {
	cfg := Default()
	cfg.Server.InstanceName = "bridge-test"

	t.Run("inverted discovery range", func(t *testing.T) {
		c := cfg
		c.Discovery.PortStart = 9000
		c.Discovery.PortEnd = 8000
		require.Error(t, Validate(c))
	})

	t.Run("bearer mode without keys", func(t *testing.T) {
		c := cfg
		c.Auth.Mode = "bearer"
		require.Error(t, Validate(c))
	})

	t.Run("bearer mode with keys", func(t *testing.T) {
		c := cfg
		c.Auth.Mode = "bearer"
		c.Auth.Keys = []string{"sk-test-key-abcdef"}
		require.NoError(t, Validate(c))
	})

	t.Run("inverted thresholds", func(t *testing.T) {
		c := cfg
		c.Perf.VerySlowThreshold = time.Second
		require.Error(t, Validate(c))
	})

	t.Run("zero concurrency", func(t *testing.T) {
		c := cfg
		c.Gate.MaxConcurrency = 0
		require.Error(t, Validate(c))
	})
}
