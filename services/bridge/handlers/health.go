// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/gin-gonic/gin"
)

// Health serves GET /health. Sibling instances probe it for discovery,
// so the service name and active session count must stay stable; see
// registry.ServiceName.
func Health(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":               "ok",
			"service":              registry.ServiceName,
			"instance":             d.Instance,
			"version":              Version,
			"active_session_count": d.Sessions.ActiveCount(),
			"assistant_backend":    d.Backend.Backend,
		})
	}
}
