// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/AleutianAI/AleutianBridge/services/bridge/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes wires the HTTP surface. /health and /metrics stay open
// (sibling probes and scrapers carry no bearer); everything under /v1
// and /stats goes through the auth middleware.
func SetupRoutes(router *gin.Engine, d *handlers.Deps, auth gin.HandlerFunc, enableMetrics bool) {
	router.GET("/health", handlers.Health(d))
	if enableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/stats", auth, handlers.Stats(d))

	// API version 1 group
	v1 := router.Group("/v1", auth)
	{
		v1.POST("/chat/completions", handlers.ChatCompletions(d))
		v1.GET("/models", handlers.ListModels(d))
		v1.POST("/research", handlers.Research(d))
		v1.GET("/events/ws", handlers.EventsWS(d))

		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(d))
			sessions.GET("/:fingerprint", handlers.GetSession(d))
			sessions.DELETE("/:fingerprint", handlers.DeleteSession(d))
		}

		// Execution administration routes
		executions := v1.Group("/executions")
		{
			executions.GET("", handlers.ListExecutions(d))
			executions.DELETE("/:id", handlers.CancelExecution(d))
		}
	}
}
