// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"log/slog"
	"os"
)

// Backend names the credential source the assistant CLI will use.
type Backend string

const (
	// BackendCLISession is the CLI's own login (OAuth session files).
	BackendCLISession Backend = "cli_session"

	// BackendBedrock routes through AWS Bedrock.
	BackendBedrock Backend = "bedrock"

	// BackendVertex routes through Google Vertex AI.
	BackendVertex Backend = "vertex"
)

// BackendInfo is the detected assistant backend, published on /health.
type BackendInfo struct {
	Backend Backend `json:"backend"`

	// APIKeyPresent notes that ANTHROPIC_API_KEY is set even though
	// the CLI session backend ignores it.
	APIKeyPresent bool `json:"api_key_present"`
}

// DetectBackend inspects the environment the way the assistant CLI
// does and reports which credential backend it will pick. Called once
// at startup; the warning about a stray API key is logged here so it
// appears exactly once.
func DetectBackend(logger *slog.Logger) BackendInfo {
	if logger == nil {
		logger = slog.Default()
	}
	info := BackendInfo{
		Backend:       BackendCLISession,
		APIKeyPresent: os.Getenv("ANTHROPIC_API_KEY") != "",
	}
	switch {
	case enabled(os.Getenv("CLAUDE_CODE_USE_BEDROCK")):
		info.Backend = BackendBedrock
	case enabled(os.Getenv("CLAUDE_CODE_USE_VERTEX")):
		info.Backend = BackendVertex
	}

	logger.Info("Assistant backend detected", slog.String("backend", string(info.Backend)))
	if info.APIKeyPresent && info.Backend == BackendCLISession {
		logger.Warn("ANTHROPIC_API_KEY is set but will be ignored; the assistant CLI uses its own session credentials")
	}
	return info
}

func enabled(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}
