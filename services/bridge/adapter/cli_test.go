// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianBridge/services/bridge/config"
	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCLI writes an executable shell script standing in for the
// assistant binary.
func stubCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "assistant")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testAdapterConfig(binary string) config.AdapterConfig {
	return config.AdapterConfig{
		Binary:         binary,
		DefaultModel:   "claude-sonnet-4",
		CallTimeout:    5 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

func userMessage(text string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: text}}
}

func TestCLIAdapter_Execute_Success(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
echo '{"result":"hello back","is_error":false,"session_id":"s1","model":"claude-sonnet-4","usage":{"input_tokens":12,"output_tokens":7}}'`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	res, err := a.Execute(context.Background(), "h1", userMessage("hello"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello back", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "claude-sonnet-4", res.Model)
	assert.Equal(t, 12, res.Usage.PromptTokens)
	assert.Equal(t, 7, res.Usage.CompletionTokens)
}

func TestCLIAdapter_Execute_ResumesOnSecondCall(t *testing.T) {
	// The stub echoes its own argv so the test can see which session
	// flag the adapter chose.
	bin := stubCLI(t, `cat >/dev/null
printf '{"result":"%s","is_error":false}' "$*"`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	first, err := a.Execute(context.Background(), "h-resume", userMessage("one"), Options{})
	require.NoError(t, err)
	assert.Contains(t, first.Content, "--session-id h-resume")
	assert.NotContains(t, first.Content, "--resume")

	second, err := a.Execute(context.Background(), "h-resume", userMessage("two"), Options{})
	require.NoError(t, err)
	assert.Contains(t, second.Content, "--resume h-resume")

	// Teardown forgets the handle, so the next call creates afresh.
	require.NoError(t, a.Teardown(context.Background(), "h-resume"))
	third, err := a.Execute(context.Background(), "h-resume", userMessage("three"), Options{})
	require.NoError(t, err)
	assert.Contains(t, third.Content, "--session-id h-resume")
}

func TestCLIAdapter_Execute_ToolGating(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
printf '{"result":"%s","is_error":false}' "$*"`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	res, err := a.Execute(context.Background(), "h-t1", userMessage("x"), Options{ToolsEnabled: false})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "--disallowedTools")

	res, err = a.Execute(context.Background(), "h-t2", userMessage("x"), Options{ToolsEnabled: true})
	require.NoError(t, err)
	assert.NotContains(t, res.Content, "--disallowedTools")
}

func TestCLIAdapter_Execute_TimeoutClassified(t *testing.T) {
	bin := stubCLI(t, "sleep 5")
	cfg := testAdapterConfig(bin)
	cfg.CallTimeout = 50 * time.Millisecond
	a := NewCLIAdapter(cfg, nil)

	_, err := a.Execute(context.Background(), "h-slow", userMessage("x"), Options{})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionTimeout))
}

func TestCLIAdapter_Execute_NonzeroExitClassified(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
echo "session corrupt" >&2
exit 3`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	_, err := a.Execute(context.Background(), "h-fail", userMessage("x"), Options{})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionFailure))
	assert.Contains(t, err.Error(), "session corrupt")
}

func TestCLIAdapter_Execute_MalformedOutputClassified(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
echo "not json at all"`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	_, err := a.Execute(context.Background(), "h-garbage", userMessage("x"), Options{})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionFailure))
}

func TestCLIAdapter_Execute_ErrorResultClassified(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
echo '{"result":"quota exhausted","is_error":true}'`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	_, err := a.Execute(context.Background(), "h-err", userMessage("x"), Options{})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionFailure))
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestCLIAdapter_Execute_ToleratesProgressNoise(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
echo "loading model..."
echo '{"result":"ok","is_error":false}'`)
	a := NewCLIAdapter(testAdapterConfig(bin), nil)

	res, err := a.Execute(context.Background(), "h-noise", userMessage("x"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
}

func TestCLIAdapter_Execute_EmptyConversationRejected(t *testing.T) {
	a := NewCLIAdapter(testAdapterConfig("/nonexistent"), nil)
	_, err := a.Execute(context.Background(), "h", nil, Options{})
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionFailure))
}

func TestRenderPrompt(t *testing.T) {
	prompt := RenderPrompt([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be terse"},
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
		{Role: openai.ChatMessageRoleAssistant, Content: "hello"},
		{Role: openai.ChatMessageRoleUser, Content: "  "},
		{Role: openai.ChatMessageRoleUser, Content: "bye"},
	})
	assert.Contains(t, prompt, "[instructions]\nbe terse")
	assert.Contains(t, prompt, "[assistant]\nhello")
	assert.Contains(t, prompt, "bye")
	assert.NotContains(t, prompt, "\n\n\n")
}

func TestLimitedWriter_CapsAndReportsTruncation(t *testing.T) {
	bin := stubCLI(t, `cat >/dev/null
printf '{"result":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","is_error":false}'`)
	cfg := testAdapterConfig(bin)
	cfg.MaxOutputBytes = 48 // cuts inside the JSON
	a := NewCLIAdapter(cfg, nil)

	_, err := a.Execute(context.Background(), "h-cap", userMessage("x"), Options{})
	// Truncation inside the object means unparseable output.
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindExecutionFailure))
}
