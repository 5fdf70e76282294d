// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/config"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// CLI ADAPTER
// =============================================================================

// CLIAdapter runs the assistant CLI as a subprocess per call. Session
// continuity rides on the CLI's own session mechanism: the first call
// for a handle creates a CLI session under that id, later calls resume
// it, so conversational state lives in the CLI between our invocations.
//
// # Thread Safety
//
// Safe for concurrent use. Each Execute spawns its own process; the
// only shared state is the resume-tracking set, guarded by a mutex.
type CLIAdapter struct {
	config config.AdapterConfig
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// cliResult is the JSON object the CLI prints in json output mode.
type cliResult struct {
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewCLIAdapter creates a CLIAdapter.
//
// Inputs:
//
//	cfg - Adapter configuration (binary, timeouts, output cap)
//	logger - Logger for structured logging
//
// Outputs:
//
//	*CLIAdapter - Configured adapter
func NewCLIAdapter(cfg config.AdapterConfig, logger *slog.Logger) *CLIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIAdapter{
		config: cfg,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Execute runs one assistant call for handle.
//
// Description:
//
//	Renders the conversation into a single prompt, invokes the CLI in
//	non-interactive json mode, and parses the result object from
//	stdout. The first call for a handle passes --session-id to create
//	the CLI session; subsequent calls pass --resume so the assistant
//	keeps its context between requests.
//
// Outputs:
//
//	*Result - Parsed assistant reply
//	error - ExecutionTimeout when the ceiling elapsed, ExecutionFailure
//	        on nonzero exit or unparseable output
func (a *CLIAdapter) Execute(ctx context.Context, handle string, messages []openai.ChatCompletionMessage, opts Options) (*Result, error) {
	if ctx == nil {
		return nil, datatypes.NewError(datatypes.KindExecutionFailure, "nil context", nil)
	}
	prompt := RenderPrompt(messages)
	if prompt == "" {
		return nil, datatypes.NewError(datatypes.KindExecutionFailure, "conversation has no content", nil)
	}

	timeout := a.config.CallTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	model := opts.Model
	if model == "" {
		model = a.config.DefaultModel
	}

	args := append([]string{}, a.config.Args...)
	args = append(args, "-p", "--output-format", "json")
	if model != "" {
		args = append(args, "--model", model)
	}
	if !opts.ToolsEnabled {
		args = append(args, "--disallowedTools", "*")
	}
	if a.markSeen(handle) {
		args = append(args, "--resume", handle)
	} else {
		args = append(args, "--session-id", handle)
	}

	out, truncated, err := a.run(ctx, timeout, prompt, args)
	if err != nil {
		return nil, err
	}

	var parsed cliResult
	if err := json.Unmarshal(extractJSONObject(out), &parsed); err != nil {
		return nil, datatypes.NewError(datatypes.KindExecutionFailure,
			"assistant produced unparseable output", err)
	}
	if parsed.IsError {
		return nil, datatypes.NewError(datatypes.KindExecutionFailure,
			fmt.Sprintf("assistant reported an error: %s", firstLine(parsed.Result)), nil)
	}

	finish := openai.FinishReasonStop
	if truncated {
		finish = openai.FinishReasonLength
	}
	resultModel := parsed.Model
	if resultModel == "" {
		resultModel = model
	}
	return &Result{
		Content:      parsed.Result,
		FinishReason: string(finish),
		Model:        resultModel,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// Teardown forgets the resume state for handle. The CLI keeps its own
// session files; we only stop resuming them, which is all continuity
// requires. Idempotent.
func (a *CLIAdapter) Teardown(ctx context.Context, handle string) error {
	a.mu.Lock()
	delete(a.seen, handle)
	a.mu.Unlock()
	return nil
}

// run invokes the CLI with prompt on stdin and returns captured stdout.
func (a *CLIAdapter) run(ctx context.Context, timeout time.Duration, prompt string, args []string) ([]byte, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.config.Binary, args...)
	cmd.Dir = a.config.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: a.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderr, limit: a.config.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	a.logger.Debug("Executing assistant CLI",
		slog.String("binary", a.config.Binary),
		slog.Any("args", args),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, false, datatypes.NewError(datatypes.KindExecutionTimeout,
			fmt.Sprintf("assistant call exceeded %s", timeout), runCtx.Err())
	}
	if ctx.Err() != nil {
		return nil, false, datatypes.NewError(datatypes.KindExecutionFailure,
			"assistant call cancelled", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		detail := firstLine(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if errors.As(err, &exitErr) {
			return nil, false, datatypes.NewError(datatypes.KindExecutionFailure,
				fmt.Sprintf("assistant exited with code %d: %s", exitErr.ExitCode(), detail), err)
		}
		return nil, false, datatypes.NewError(datatypes.KindExecutionFailure,
			fmt.Sprintf("assistant could not be started: %s", detail), err)
	}

	a.logger.Debug("Assistant CLI completed",
		slog.Duration("elapsed", elapsed),
		slog.Int("output_bytes", stdout.Len()),
		slog.Bool("truncated", stdoutLimited.truncated),
	)
	return stdout.Bytes(), stdoutLimited.truncated, nil
}

// markSeen records handle as used and reports whether it had been used
// before (i.e. whether this call should resume).
func (a *CLIAdapter) markSeen(handle string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, resumed := a.seen[handle]
	a.seen[handle] = struct{}{}
	return resumed
}

// RenderPrompt flattens an OpenAI-shaped conversation into the single
// prompt the CLI accepts. System messages become a leading instruction
// block; only the final user turn is sent verbatim when the session is
// resumable, but rendering the whole transcript is harmless because the
// CLI deduplicates context it already holds.
func RenderPrompt(messages []openai.ChatCompletionMessage) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			b.WriteString("[instructions]\n")
			b.WriteString(content)
			b.WriteString("\n\n")
		case openai.ChatMessageRoleAssistant:
			b.WriteString("[assistant]\n")
			b.WriteString(content)
			b.WriteString("\n\n")
		default:
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// extractJSONObject returns the outermost JSON object in out. The CLI
// may print progress noise before the result object; scanning for the
// first '{' and the last '}' tolerates it.
func extractJSONObject(out []byte) []byte {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return out
	}
	return out[start : end+1]
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil // Silently discard
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err = lw.w.Write(p)
	lw.written += n
	return len(p), err // Return original length to avoid breaking callers
}
