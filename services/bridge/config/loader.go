// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load builds the immutable configuration: defaults, then the YAML file
// at path (skipped when path is empty or missing), then BRIDGE_* env
// overrides, then validation. The returned value is never mutated after
// this call.
func Load(path string) (BridgeConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults plus env carry a local run.
		case err != nil:
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.InstanceName == "" {
		cfg.Server.InstanceName = fmt.Sprintf("bridge-%d", cfg.Server.Port)
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// tag language cannot express.
func Validate(cfg BridgeConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Discovery.PortEnd != 0 && cfg.Discovery.PortEnd < cfg.Discovery.PortStart {
		return fmt.Errorf("invalid configuration: discovery port_end %d below port_start %d",
			cfg.Discovery.PortEnd, cfg.Discovery.PortStart)
	}
	if cfg.Auth.Mode == "bearer" && len(cfg.Auth.Keys) == 0 && cfg.Auth.KeysFile == "" {
		return fmt.Errorf("invalid configuration: auth mode bearer requires keys or keys_file")
	}
	if cfg.Perf.VerySlowThreshold < cfg.Perf.SlowThreshold ||
		cfg.Perf.VerySlowThresholdTools < cfg.Perf.SlowThresholdTools {
		return fmt.Errorf("invalid configuration: very_slow thresholds must be >= slow thresholds")
	}
	return nil
}

// applyEnvOverrides layers BRIDGE_* environment variables over the
// file-derived values. Only the knobs operators tune per container get
// env coverage; everything else stays file-only.
func applyEnvOverrides(cfg *BridgeConfig) {
	setString(&cfg.Server.Host, "BRIDGE_HOST")
	setInt(&cfg.Server.Port, "BRIDGE_PORT")
	setString(&cfg.Server.InstanceName, "BRIDGE_INSTANCE_NAME")
	setString(&cfg.Server.GinMode, "BRIDGE_GIN_MODE")

	setString(&cfg.Logging.Level, "BRIDGE_LOG_LEVEL")
	setString(&cfg.Logging.Dir, "BRIDGE_LOG_DIR")

	setString(&cfg.Auth.Mode, "BRIDGE_AUTH_MODE")
	if keys := os.Getenv("BRIDGE_API_KEYS"); keys != "" {
		cfg.Auth.Keys = splitAndTrim(keys)
	}
	setString(&cfg.Auth.KeysFile, "BRIDGE_API_KEYS_FILE")

	setInt(&cfg.Gate.MaxConcurrency, "BRIDGE_MAX_CONCURRENT")
	setInt(&cfg.Gate.QueueDepth, "BRIDGE_QUEUE_DEPTH")
	setDuration(&cfg.Gate.MaxWait, "BRIDGE_QUEUE_MAX_WAIT")

	setDuration(&cfg.Session.TTL, "BRIDGE_SESSION_TTL")
	setDuration(&cfg.Session.SweepInterval, "BRIDGE_SESSION_SWEEP_INTERVAL")
	setDuration(&cfg.Session.LeaseWait, "BRIDGE_SESSION_LEASE_WAIT")

	setSeconds(&cfg.Perf.SlowThreshold, "SLOW_REQUEST_THRESHOLD")
	setSeconds(&cfg.Perf.VerySlowThreshold, "VERY_SLOW_REQUEST_THRESHOLD")
	setSeconds(&cfg.Perf.SlowThresholdTools, "SLOW_REQUEST_THRESHOLD_TOOLS")
	setSeconds(&cfg.Perf.VerySlowThresholdTools, "VERY_SLOW_REQUEST_THRESHOLD_TOOLS")

	setString(&cfg.Adapter.Binary, "BRIDGE_CLI_BINARY")
	setString(&cfg.Adapter.WorkDir, "BRIDGE_CLI_WORKDIR")
	setString(&cfg.Adapter.DefaultModel, "BRIDGE_DEFAULT_MODEL")
	setDuration(&cfg.Adapter.CallTimeout, "BRIDGE_CALL_TIMEOUT")

	setString(&cfg.Discovery.Host, "BRIDGE_DISCOVERY_HOST")
	setInt(&cfg.Discovery.PortStart, "BRIDGE_DISCOVERY_PORT_START")
	setInt(&cfg.Discovery.PortEnd, "BRIDGE_DISCOVERY_PORT_END")
	setDuration(&cfg.Discovery.Interval, "BRIDGE_DISCOVERY_INTERVAL")

	setString(&cfg.Telemetry.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.InfluxURL, "BRIDGE_INFLUX_URL")
	setString(&cfg.Telemetry.InfluxToken, "BRIDGE_INFLUX_TOKEN")
	setString(&cfg.Telemetry.InfluxOrg, "BRIDGE_INFLUX_ORG")
	setString(&cfg.Telemetry.InfluxBucket, "BRIDGE_INFLUX_BUCKET")

	if models := os.Getenv("BRIDGE_MODELS"); models != "" {
		cfg.Models = splitAndTrim(models)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setSeconds parses a bare float second count, the shape the upstream
// wrapper used for its threshold variables.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
