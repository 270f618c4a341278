package safety

import (
	"context"
	"fmt"

	"whs/internal/agent"
)

// shellTools is the set of tool names treated as running a shell command;
// their "command" input is checked against CommandHook.
var shellTools = map[string]bool{
	"bash":  true,
	"shell": true,
	"run":   true,
}

// fileTools maps tool name to the input key holding the target path,
// for tools whose effect is writing or editing a file.
var fileTools = map[string]string{
	"write": "path",
	"edit":  "path",
	"str_replace_editor": "path",
}

// NewShellHook returns an agent.PreToolHook denying unsafe shell commands
// for tool invocations scoped to worktree.
func NewShellHook(worktree string) agent.PreToolHook {
	return func(ctx context.Context, toolName string, input map[string]any) error {
		if !shellTools[toolName] {
			return nil
		}
		command, _ := input["command"].(string)
		if command == "" {
			return nil
		}
		if d := CommandHook(worktree, command); d.Deny {
			return fmt.Errorf("safety: %s", d.Message)
		}
		return nil
	}
}

// NewPathHook returns an agent.PreToolHook denying file writes/edits that
// escape worktree.
func NewPathHook(worktree string) agent.PreToolHook {
	return func(ctx context.Context, toolName string, input map[string]any) error {
		key, ok := fileTools[toolName]
		if !ok {
			return nil
		}
		target, _ := input[key].(string)
		if target == "" {
			return nil
		}
		if d := PathHook(worktree, target); d.Deny {
			return fmt.Errorf("safety: %s", d.Message)
		}
		return nil
	}
}
