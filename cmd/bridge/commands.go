// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/AleutianAI/AleutianBridge/services/bridge"
	"github.com/AleutianAI/AleutianBridge/services/bridge/config"
	"github.com/AleutianAI/AleutianBridge/services/bridge/handlers"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "bridge",
		Short: "An OpenAI-compatible gateway for a CLI-backed AI assistant",
		Long: `Bridge exposes /v1/chat/completions over a local assistant CLI,
keeping one assistant session per API key so conversations retain
context across stateless HTTP requests.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP server",
		Run:   runServe, // blocks until SIGINT/SIGTERM
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the bridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(handlers.Version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "config.yaml",
		"Path to the YAML configuration file (missing file falls back to defaults)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Piped stderr (containers, systemd) gets JSON lines; a terminal
	// keeps the human-readable echo unless the config says otherwise.
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg.Logging.JSON = true
	}

	svc, err := bridge.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create bridge service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Bridge service error: %v", err)
	}
}
