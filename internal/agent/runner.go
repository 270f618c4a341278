// Package agent defines the contract for running an autonomous coding
// agent against a worktree and parsing its streamed output, plus a CLI
// implementation and a scriptable fake for tests.
package agent

import "context"

// PreToolHook is called before the agent invokes a tool; returning a
// non-nil error blocks the call.
type PreToolHook func(ctx context.Context, toolName string, input map[string]any) error

// RunRequest is the input to a fresh agent turn.
type RunRequest struct {
	Prompt         string
	Cwd            string
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	Resume         string
	Hooks          []PreToolHook
	OnOutput       func(chunk string)
	OnToolUse      func(toolName string, input map[string]any)
	MetricsContext map[string]any
}

// RunOptions is the (smaller) input to ResumeWithAnswer, sharing the
// hook/callback wiring of RunRequest without a fresh prompt.
type RunOptions struct {
	Hooks     []PreToolHook
	OnOutput  func(chunk string)
	OnToolUse func(toolName string, input map[string]any)
	MaxTurns  int
}

// RunResult is the outcome of a turn, win or lose.
type RunResult struct {
	SessionID       string
	Output          string
	CostUSD         float64
	Turns           int
	DurationMS      int64
	Success         bool
	Err             error
	IsAuthError     bool
	IsRateLimited   bool
	PendingQuestion string
}

const defaultMaxTurns = 50

// Runner drives one agent CLI across a worktree, abstracting over the
// concrete provider binary and its event-parsing details.
type Runner interface {
	// Run starts a fresh session.
	Run(ctx context.Context, req RunRequest) (RunResult, error)
	// ResumeWithAnswer continues sessionID with a human- or
	// system-supplied answer to a pending question.
	ResumeWithAnswer(ctx context.Context, sessionID string, answer string, opts RunOptions) (RunResult, error)
	// Abort requests best-effort cancellation at the next message boundary.
	Abort()
}
