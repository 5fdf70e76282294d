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

// ListSessions serves GET /v1/sessions with every live session on this
// instance.
func ListSessions(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"instance": d.Instance,
			"sessions": d.Sessions.Snapshot(),
		})
	}
}

// GetSession serves GET /v1/sessions/:fingerprint.
func GetSession(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint := c.Param("fingerprint")
		info, ok := d.Sessions.Get(fingerprint)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// DeleteSession serves DELETE /v1/sessions/:fingerprint. A session
// with a request in flight cannot be deleted; the caller gets a
// conflict and retries after the request drains.
func DeleteSession(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint := c.Param("fingerprint")
		if _, ok := d.Sessions.Get(fingerprint); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if !d.Sessions.Evict(fingerprint, "admin") {
			c.JSON(http.StatusConflict, gin.H{"error": "session has a request in flight"})
			return
		}
		if d.Registry != nil {
			d.Registry.Unpin(fingerprint)
		}
		c.JSON(http.StatusOK, gin.H{"deleted": fingerprint})
	}
}
