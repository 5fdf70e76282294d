// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command bridge starts the AleutianBridge gateway: an OpenAI-compatible
// HTTP front for a CLI-backed AI assistant.
//
// # Usage
//
//	# Build
//	go build -o bridge ./cmd/bridge
//
//	# Run with defaults (config.yaml in the working directory, if present)
//	./bridge serve
//
//	# Run with an explicit config file
//	./bridge serve --config /etc/aleutian/bridge.yaml
//
// Configuration is layered: built-in defaults, then the YAML file, then
// BRIDGE_* environment variables (see services/bridge/config).
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
