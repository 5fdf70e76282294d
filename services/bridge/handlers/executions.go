// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianBridge/services/bridge/adapter"
	"github.com/gin-gonic/gin"
)

// ListExecutions serves GET /v1/executions, optionally filtered with
// ?status=running|completed|failed|cancelled.
func ListExecutions(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := adapter.ExecutionStatus(c.Query("status"))
		c.JSON(http.StatusOK, gin.H{
			"instance":   d.Instance,
			"executions": d.Execs.List(status),
		})
	}
}

// CancelExecution serves DELETE /v1/executions/:id. Cancelling aborts
// the assistant call; the slot and lease are released by the request
// that owns them, and the session stays reusable.
func CancelExecution(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := d.Execs.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		if !d.Execs.Cancel(id) {
			c.JSON(http.StatusConflict, gin.H{"error": "execution already finished"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": id})
	}
}
