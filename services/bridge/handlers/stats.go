// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stats serves GET /stats: one aggregate snapshot of the gate, the
// session store, latency classes, the execution registry, and the
// instance table.
func Stats(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{
			"instance":   d.Instance,
			"admission":  d.Gate.Stats(),
			"sessions":   d.Sessions.Stats(),
			"latency":    d.Perf.Summary(),
			"executions": d.Execs.Stats(),
		}
		if d.Registry != nil {
			payload["routing"] = d.Registry.Stats()
		}
		c.JSON(http.StatusOK, payload)
	}
}
