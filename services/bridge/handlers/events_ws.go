// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The endpoint sits behind the bearer gate; origin filtering
		// belongs to the reverse proxy in front of us.
		return true
	},
}

const wsPingPeriod = 30 * time.Second

// EventsWS serves GET /v1/events/ws: a live tail of the redacted event
// stream. Events are pushed as JSON messages; a slow consumer drops
// events rather than stalling the logger (the broadcaster's buffer
// policy), and a dead one is detected by the ping loop.
func EventsWS(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.Broadcast == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event streaming is not enabled"})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, unsubscribe := d.Broadcast.Subscribe()
		defer unsubscribe()

		// Reads are discarded; the read loop only notices the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
