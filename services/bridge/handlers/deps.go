// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the bridge's HTTP surface: the OpenAI
// compatible completion endpoint, the admin and stats endpoints, and
// the live event tail. Handlers are thin; the pipeline logic sits in
// the gate, session, registry, and adapter packages and the handlers
// only sequence it.
package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/adapter"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/gate"
	"github.com/AleutianAI/AleutianBridge/services/bridge/perf"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/session"
	"github.com/gin-gonic/gin"
)

// Version is the service version reported on /health, set at build
// time via -ldflags.
var Version = "dev"

// Deps carries the wired components the handlers sequence. All fields
// except Registry, Forwarder, and Broadcast are required; nil optional
// fields disable routing and the event tail respectively.
type Deps struct {
	Instance     string
	Models       []string
	DefaultModel string
	ResearchCmd  string

	Gate      *gate.Gate
	Sessions  *session.Store
	Adapter   adapter.Adapter
	Execs     *adapter.ExecutionRegistry
	Perf      *perf.Monitor
	Logger    *logging.EventLogger
	Registry  *registry.Registry
	Forwarder *registry.Forwarder
	Broadcast *logging.BroadcastExporter
	Backend   adapter.BackendInfo
}

// writeError maps a pipeline error onto the OpenAI error envelope.
func writeError(c *gin.Context, endpoint string, err error) {
	status, envelope := datatypes.EnvelopeFor(err)
	c.JSON(status, envelope)
	c.Abort()
	recordErrorMetric(endpoint, envelope.Error.Code)
}

// bindError rejects a malformed body with the OpenAI invalid-request
// shape; these never enter the pipeline so they bypass the taxonomy.
func bindError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
	c.Abort()
}
