// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config builds the single immutable configuration value the
// bridge threads into every component constructor. Values come from a
// YAML file, BRIDGE_* environment overrides, and defaults, in that
// precedence order (env wins). Nothing reads configuration ambiently
// after startup.
package config

import (
	"fmt"
	"os"
	"time"
)

// BridgeConfig is the full configuration for one gateway instance.
type BridgeConfig struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Gate      GateConfig      `yaml:"gate" validate:"required"`
	Session   SessionConfig   `yaml:"session" validate:"required"`
	Perf      PerfConfig      `yaml:"performance"`
	Adapter   AdapterConfig   `yaml:"adapter" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Models is the static list served by GET /v1/models.
	Models []string `yaml:"models"`
}

// ServerConfig covers the HTTP listener and instance identity.
type ServerConfig struct {
	// Host is the bind address. Default: 0.0.0.0.
	Host string `yaml:"host"`

	// Port is the HTTP listener port. Default: 8000.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// InstanceName tags every emitted event and the health endpoint.
	// Default: "bridge-{port}".
	InstanceName string `yaml:"instance_name"`

	// GinMode sets the Gin framework mode (debug, release, test).
	GinMode string `yaml:"gin_mode"`

	// ShutdownGrace bounds how long in-flight requests may finish after
	// a shutdown signal before open executions are force-cancelled.
	// Default: 30s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Addr returns the listener address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig covers the event logger and its rotating file sink.
type LoggingConfig struct {
	// Level is the minimum severity (debug, info, warn, error).
	Level string `yaml:"level"`

	// Dir is the event log directory. Empty disables the file sink.
	Dir string `yaml:"dir"`

	// MaxBytes caps the active event file before rotation. Default: 10 MiB.
	MaxBytes int64 `yaml:"max_bytes" validate:"gte=0"`

	// Backups is the rotated-file retention count. Default: 5.
	Backups int `yaml:"backups" validate:"gte=0"`

	// JSON forces JSON on the stderr echo even on a terminal.
	JSON bool `yaml:"json"`
}

// AuthConfig covers the stateless credential gate.
type AuthConfig struct {
	// Mode is "none" (open) or "bearer". Default: none.
	Mode string `yaml:"mode" validate:"omitempty,oneof=none bearer"`

	// Keys is the static bearer-token allow list.
	Keys []string `yaml:"keys"`

	// KeysFile optionally points at a newline-separated key file that
	// is hot-reloaded on change, so operators can rotate credentials
	// without a restart.
	KeysFile string `yaml:"keys_file"`
}

// GateConfig covers per-instance admission control.
type GateConfig struct {
	// MaxConcurrency is the bound on simultaneously executing requests.
	// Default: 3.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1"`

	// QueueDepth is the bound on waiting requests. A full queue rejects
	// immediately. Default: 10.
	QueueDepth int `yaml:"queue_depth" validate:"gte=0"`

	// MaxWait is the longest a queued request waits for a slot before
	// it is rejected. Default: 30s.
	MaxWait time.Duration `yaml:"max_wait" validate:"gt=0"`
}

// SessionConfig covers the session store and its TTL sweep.
type SessionConfig struct {
	// TTL evicts sessions idle longer than this. Default: 1h.
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`

	// SweepInterval is how often the eviction sweep runs. Default: 5m.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	// LeaseWait is the ceiling a request waits for a busy session of
	// the same conversation before failing with SessionBusy. Default: 30s.
	LeaseWait time.Duration `yaml:"lease_wait" validate:"gt=0"`
}

// PerfConfig carries the latency classification thresholds.
type PerfConfig struct {
	// SlowThreshold marks non-tool requests slow at or above this
	// duration. Default: 5s.
	SlowThreshold time.Duration `yaml:"slow_threshold" validate:"gt=0"`

	// VerySlowThreshold marks non-tool requests very slow. Default: 10s.
	VerySlowThreshold time.Duration `yaml:"very_slow_threshold" validate:"gt=0"`

	// SlowThresholdTools is the slow bound for tool-enabled requests.
	// Default: 30s.
	SlowThresholdTools time.Duration `yaml:"slow_threshold_tools" validate:"gt=0"`

	// VerySlowThresholdTools is the very-slow bound for tool-enabled
	// requests. Default: 60s.
	VerySlowThresholdTools time.Duration `yaml:"very_slow_threshold_tools" validate:"gt=0"`

	// WindowSize bounds the rolling per-class sample window used for
	// the advisory p90/p95 aggregates. Default: 512.
	WindowSize int `yaml:"window_size" validate:"gte=0"`
}

// AdapterConfig covers the wrapped assistant CLI.
type AdapterConfig struct {
	// Binary is the assistant CLI executable. Default: "claude".
	Binary string `yaml:"binary" validate:"required"`

	// Args are fixed arguments placed before per-call flags.
	Args []string `yaml:"args"`

	// WorkDir is the working directory for CLI invocations.
	WorkDir string `yaml:"work_dir"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// CallTimeout bounds a single assistant invocation. Default: 10m.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`

	// MaxOutputBytes caps captured CLI output. Default: 10 MiB.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gte=0"`

	// ResearchCommand is the command prefix for delegated research runs.
	ResearchCommand string `yaml:"research_command"`

	// ExecutionRetention is how long terminal execution records stay
	// listable before cleanup. Default: 1h.
	ExecutionRetention time.Duration `yaml:"execution_retention" validate:"gt=0"`
}

// DiscoveryConfig covers sibling-instance discovery and routing.
type DiscoveryConfig struct {
	// Host is the address siblings listen on. Default: 127.0.0.1.
	Host string `yaml:"host"`

	// PortStart/PortEnd span the probed port range, inclusive. A zero
	// range disables discovery: the registry holds only this instance.
	PortStart int `yaml:"port_start" validate:"gte=0,lte=65535"`
	PortEnd   int `yaml:"port_end" validate:"gte=0,lte=65535"`

	// Interval is the probe cadence. Default: 15s.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// ProbeTimeout bounds one health probe. Default: 2s.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`

	// DownThreshold is the consecutive probe failures required before
	// an instance is marked DOWN. Default: 3.
	DownThreshold int `yaml:"down_threshold" validate:"gte=1"`
}

// Enabled reports whether a sibling port range is configured.
func (d DiscoveryConfig) Enabled() bool {
	return d.PortStart > 0 && d.PortEnd >= d.PortStart
}

// TelemetryConfig covers metrics, tracing, and optional event export.
type TelemetryConfig struct {
	// EnableMetrics serves Prometheus metrics on /metrics. Default: true.
	EnableMetrics bool `yaml:"enable_metrics"`

	// OTelEndpoint is the OTLP collector address. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// InfluxURL/InfluxToken enable the InfluxDB event exporter.
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// Default returns the configuration used when no file and no overrides
// are present. The values mirror a single-instance local deployment.
func Default() BridgeConfig {
	return BridgeConfig{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			GinMode:       "release",
			ShutdownGrace: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Dir:      defaultLogDir(),
			MaxBytes: 10 * 1024 * 1024,
			Backups:  5,
		},
		Auth: AuthConfig{Mode: "none"},
		Gate: GateConfig{
			MaxConcurrency: 3,
			QueueDepth:     10,
			MaxWait:        30 * time.Second,
		},
		Session: SessionConfig{
			TTL:           1 * time.Hour,
			SweepInterval: 5 * time.Minute,
			LeaseWait:     30 * time.Second,
		},
		Perf: PerfConfig{
			SlowThreshold:          5 * time.Second,
			VerySlowThreshold:      10 * time.Second,
			SlowThresholdTools:     30 * time.Second,
			VerySlowThresholdTools: 60 * time.Second,
			WindowSize:             512,
		},
		Adapter: AdapterConfig{
			Binary:             "claude",
			DefaultModel:       "claude-sonnet-4",
			CallTimeout:        10 * time.Minute,
			MaxOutputBytes:     10 * 1024 * 1024,
			ResearchCommand:    "/sc:research",
			ExecutionRetention: 1 * time.Hour,
		},
		Discovery: DiscoveryConfig{
			Host:          "127.0.0.1",
			Interval:      15 * time.Second,
			ProbeTimeout:  2 * time.Second,
			DownThreshold: 3,
		},
		Telemetry: TelemetryConfig{EnableMetrics: true},
		Models:    []string{"claude-sonnet-4", "claude-opus-4"},
	}
}

// defaultLogDir prefers a writable home-relative directory and falls
// back to the working directory inside containers without a home.
func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./logs"
	}
	return home + "/.aleutian/bridge/logs"
}
