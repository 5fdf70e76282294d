// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/adapter"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
)

const endpointResearch = "research"

// Research serves POST /v1/research: the query is prefixed with the
// configured research command and delegated to the assistant in a
// one-shot session. Research runs count as tool runs for latency
// classification and are registered in the execution registry so they
// can be cancelled mid-flight.
func Research(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ResearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, "request body is not a valid research request: "+err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			bindError(c, err.Error())
			return
		}
		model := req.Model
		if model == "" {
			model = d.DefaultModel
		}

		release, err := d.Gate.Admit(c.Request.Context())
		if err != nil {
			writeError(c, endpointResearch, err)
			return
		}
		defer release()

		lease, err := d.Sessions.Acquire(c.Request.Context(), "")
		if err != nil {
			writeError(c, endpointResearch, err)
			return
		}

		execID, execCtx := d.Execs.Register(c.Request.Context(), lease.Fingerprint(), model)
		prompt := d.ResearchCmd + " " + req.Query

		start := time.Now()
		result, execErr := d.Adapter.Execute(execCtx, lease.Handle(),
			[]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
			adapter.Options{Model: model, ToolsEnabled: true})
		elapsed := time.Since(start)
		d.Execs.Complete(execID, execErr)
		d.Sessions.Release(lease, outcomeFor(execErr))

		class := d.Perf.Observe(endpointResearch, elapsed, true)

		if execErr != nil {
			observability.RecordRequest(endpointResearch, "error", string(class), elapsed.Seconds())
			writeError(c, endpointResearch, execErr)
			return
		}
		observability.RecordRequest(endpointResearch, "success", string(class), elapsed.Seconds())
		c.JSON(http.StatusOK, datatypes.ResearchResponse{
			ExecutionID: execID,
			Content:     result.Content,
			Model:       result.Model,
		})
	}
}
