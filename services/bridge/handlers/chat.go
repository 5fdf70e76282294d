// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/AleutianAI/AleutianBridge/services/bridge/adapter"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/AleutianAI/AleutianBridge/services/bridge/middleware"
	"github.com/AleutianAI/AleutianBridge/services/bridge/observability"
	"github.com/AleutianAI/AleutianBridge/services/bridge/registry"
	"github.com/AleutianAI/AleutianBridge/services/bridge/session"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
)

const endpointChat = "chat_completions"

// ChatCompletions serves POST /v1/chat/completions.
//
// # Description
//
// The full request pipeline: parse, resolve the session owner, forward
// if another instance owns the conversation, otherwise admit through
// the concurrency gate, take the session lease, execute against the
// assistant, and answer in the OpenAI schema (JSON or SSE stream).
func ChatCompletions(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			bindError(c, "could not read request body")
			return
		}

		var req datatypes.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			bindError(c, "request body is not a valid chat completion: "+err.Error())
			return
		}
		if len(req.Messages) == 0 {
			bindError(c, "messages must not be empty")
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = c.GetHeader(datatypes.SessionIDHeader)
		}
		fingerprint := session.Fingerprint(sessionID)

		// A relayed request executes here regardless of the local pin
		// table; re-forwarding would loop.
		relayed := c.GetHeader(datatypes.ForwardedHeader) != ""
		if fingerprint != "" && !relayed && d.Registry != nil {
			target, err := d.Registry.Resolve(fingerprint)
			if err != nil {
				writeError(c, endpointChat, err)
				return
			}
			if !target.Local {
				forwardRequest(c, d, target, body)
				return
			}
		}

		executeChat(c, d, fingerprint, &req)
	}
}

// forwardRequest relays the original body to the owning instance.
func forwardRequest(c *gin.Context, d *Deps, target registry.Target, body []byte) {
	if d.Forwarder == nil {
		writeError(c, endpointChat, datatypes.NewError(datatypes.KindInstanceUnavailable,
			"forwarding is not configured", nil))
		return
	}
	err := d.Forwarder.Forward(c.Writer, c.Request, target, body)
	status := "success"
	if err != nil {
		status = "error"
		if !c.Writer.Written() {
			writeError(c, endpointChat, err)
		}
	}
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.ForwardsTotal.WithLabelValues(status).Inc()
	}
	c.Abort()
}

// executeChat runs the local pipeline: gate, lease, adapter, respond.
func executeChat(c *gin.Context, d *Deps, fingerprint string, req *datatypes.ChatCompletionRequest) {
	tools := req.ToolsEnabled()
	pending := datatypes.NewPendingRequest(fingerprint, "", tools)
	model := req.Model
	if model == "" {
		model = d.DefaultModel
	}

	release, err := d.Gate.Admit(c.Request.Context())
	if err != nil {
		pending.Finish(datatypes.OutcomeRejected)
		writeError(c, endpointChat, err)
		return
	}
	defer release()
	pending.Admitted()

	lease, err := d.Sessions.Acquire(c.Request.Context(), fingerprint)
	if err != nil {
		pending.Finish(datatypes.OutcomeRejected)
		d.Logger.ChatCompletion(logging.ChatCompletionEvent{
			RequestID:    middleware.GetRequestID(c),
			Fingerprint:  fingerprint,
			Model:        model,
			MessageCount: len(req.Messages),
			Stream:       req.Stream,
			ToolsEnabled: tools,
			Err:          err,
		})
		writeError(c, endpointChat, err)
		return
	}

	execID, execCtx := d.Execs.Register(c.Request.Context(), lease.Fingerprint(), model)
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.ActiveExecutions.Inc()
		defer observability.DefaultMetrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, execErr := d.Adapter.Execute(execCtx, lease.Handle(), req.Messages, adapter.Options{
		Model:        model,
		ToolsEnabled: tools,
	})
	elapsed := time.Since(start)
	d.Execs.Complete(execID, execErr)
	d.Sessions.Release(lease, outcomeFor(execErr))

	class := d.Perf.Observe(endpointChat, elapsed, tools)

	ev := logging.ChatCompletionEvent{
		RequestID:    middleware.GetRequestID(c),
		Fingerprint:  fingerprint,
		Model:        model,
		MessageCount: len(req.Messages),
		Stream:       req.Stream,
		ToolsEnabled: tools,
		Duration:     elapsed,
	}

	if execErr != nil {
		pending.Finish(failureOutcome(execErr))
		ev.Err = execErr
		d.Logger.ChatCompletion(ev)
		observability.RecordRequest(endpointChat, string(pending.Outcome), string(class), elapsed.Seconds())
		writeError(c, endpointChat, execErr)
		return
	}

	pending.Finish(datatypes.OutcomeCompleted)
	usage := openai.Usage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.PromptTokens + result.Usage.CompletionTokens,
	}
	ev.PromptTokens = usage.PromptTokens
	ev.CompletionTokens = usage.CompletionTokens
	ev.TotalTokens = usage.TotalTokens
	d.Logger.ChatCompletion(ev)
	observability.RecordRequest(endpointChat, "success", string(class), elapsed.Seconds())
	recordTokens(result.Model, usage)

	if req.Stream {
		streamCompletion(c, result)
		return
	}
	c.JSON(http.StatusOK, datatypes.NewChatCompletionResponse(
		result.Model, result.Content, result.FinishReason, usage))
}

// outcomeFor maps an execution error to the session outcome: clean and
// timed-out runs leave the session reusable, anything else poisons it.
func outcomeFor(err error) session.Outcome {
	switch {
	case err == nil:
		return session.OutcomeSuccess
	case datatypes.IsKind(err, datatypes.KindExecutionTimeout):
		return session.OutcomeTimeout
	default:
		return session.OutcomeFailure
	}
}

func failureOutcome(err error) datatypes.RequestOutcome {
	if datatypes.IsKind(err, datatypes.KindExecutionTimeout) {
		return datatypes.OutcomeTimedOut
	}
	return datatypes.OutcomeFailed
}

// streamCompletion answers an already-complete result in the OpenAI
// streaming shape: a role chunk, one content chunk, a finish chunk,
// then [DONE]. The assistant CLI does not stream, so the chunks are
// emitted back-to-back; clients built for SSE still work unchanged.
func streamCompletion(c *gin.Context, result *adapter.Result) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	id := datatypes.NewCompletionID()
	created := time.Now().Unix()

	writeChunk(c, openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   result.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
		}},
	})
	writeChunk(c, openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   result.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: result.Content},
		}},
	})
	finish := openai.FinishReason(result.FinishReason)
	writeChunk(c, openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   result.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{},
			FinishReason: finish,
		}},
	})
	c.Writer.WriteString("data: [DONE]\n\n")
	c.Writer.Flush()
}

func writeChunk(c *gin.Context, chunk openai.ChatCompletionStreamResponse) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	c.Writer.Write(buf.Bytes())
	c.Writer.Flush()
}

func recordTokens(model string, usage openai.Usage) {
	if observability.DefaultMetrics == nil {
		return
	}
	observability.DefaultMetrics.TokensTotal.WithLabelValues("input", model).Add(float64(usage.PromptTokens))
	observability.DefaultMetrics.TokensTotal.WithLabelValues("output", model).Add(float64(usage.CompletionTokens))
}

func recordErrorMetric(endpoint, code string) {
	observability.RecordError(endpoint, code)
}
