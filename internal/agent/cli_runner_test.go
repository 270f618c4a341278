package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeAgentBinary(t *testing.T, lines []string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary harness is POSIX shell only")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "agent")

	script := "#!/bin/sh\n"
	for _, line := range lines {
		script += "echo '" + line + "'\n"
	}

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestCLIRunnerRunParsesSessionAndOutput(t *testing.T) {
	init := mustJSON(t, streamEvent{Type: "system", Subtype: "init", SessionID: "sess-1"})
	text := mustJSON(t, streamEvent{Text: "working on it"})
	result := mustJSON(t, streamEvent{Type: "result", CostUSD: 0.25, NumTurns: 3})

	bin := writeFakeAgentBinary(t, []string{init, text, result})
	runner := NewCLIRunner(bin)

	res, err := runner.Run(context.Background(), RunRequest{Prompt: "fix the bug"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Contains(t, res.Output, "working on it")
	assert.True(t, res.Success)
	assert.Equal(t, 0.25, res.CostUSD)
}

func TestCLIRunnerRunInvokesToolHooks(t *testing.T) {
	init := mustJSON(t, streamEvent{Type: "system", Subtype: "init", SessionID: "sess-2"})
	tool := mustJSON(t, streamEvent{ToolName: "bash", ToolInput: map[string]any{"command": "rm -rf /"}})

	bin := writeFakeAgentBinary(t, []string{init, tool})
	runner := NewCLIRunner(bin)

	var seen string
	hook := func(ctx context.Context, toolName string, input map[string]any) error {
		seen = toolName
		return nil
	}

	_, err := runner.Run(context.Background(), RunRequest{Prompt: "go", Hooks: []PreToolHook{hook}})
	require.NoError(t, err)
	assert.Equal(t, "bash", seen)
}

func TestCLIRunnerHookBlocksToolUse(t *testing.T) {
	init := mustJSON(t, streamEvent{Type: "system", Subtype: "init", SessionID: "sess-3"})
	tool := mustJSON(t, streamEvent{ToolName: "bash", ToolInput: map[string]any{"command": "rm -rf /"}})

	bin := writeFakeAgentBinary(t, []string{init, tool})
	runner := NewCLIRunner(bin)

	blockErr := assert.AnError
	hook := func(ctx context.Context, toolName string, input map[string]any) error {
		return blockErr
	}

	res, err := runner.Run(context.Background(), RunRequest{Prompt: "go", Hooks: []PreToolHook{hook}})
	require.Error(t, err)
	assert.Equal(t, "sess-3", res.SessionID)
}
