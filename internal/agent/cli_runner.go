package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"whs/internal/log"
)

// ParseEventFunc extracts a streamed chunk from one line of the CLI's
// streaming-JSON output. SessionExtractorFunc pulls the session id out of
// an init/result event. Both are swappable via functional options so
// CLIRunner can support any CLI that speaks the same `--resume <id>` +
// streaming-JSON convention.
type ParseEventFunc func(line []byte) (chunk string, toolName string, toolInput map[string]any, ok bool)
type SessionExtractorFunc func(line []byte) (sessionID string, isInit bool)

// CLIRunnerOption configures a CLIRunner.
type CLIRunnerOption func(*CLIRunner)

// WithParseEvent overrides the default streaming-JSON event parser.
func WithParseEvent(fn ParseEventFunc) CLIRunnerOption {
	return func(r *CLIRunner) { r.parseEvent = fn }
}

// WithSessionExtractor overrides the default session-id extractor.
func WithSessionExtractor(fn SessionExtractorFunc) CLIRunnerOption {
	return func(r *CLIRunner) { r.extractSession = fn }
}

// CLIRunner shells out to a configured agent binary (e.g. "claude")
// speaking `--resume <id>` and streaming-JSON-lines output on stdout.
type CLIRunner struct {
	binary         string
	parseEvent     ParseEventFunc
	extractSession SessionExtractorFunc

	mu      sync.Mutex
	cancels []context.CancelFunc
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner returns a Runner invoking binary, with default streaming
// event parsing for Claude Code's `--output-format stream-json`.
func NewCLIRunner(binary string, opts ...CLIRunnerOption) *CLIRunner {
	r := &CLIRunner{
		binary:         binary,
		parseEvent:     defaultParseEvent,
		extractSession: defaultSessionExtractor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type streamEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	IsError   bool           `json:"is_error"`
	CostUSD   float64        `json:"total_cost_usd"`
	NumTurns  int            `json:"num_turns"`
}

func defaultParseEvent(line []byte) (chunk, toolName string, toolInput map[string]any, ok bool) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", "", nil, false
	}
	if ev.ToolName != "" {
		return "", ev.ToolName, ev.ToolInput, true
	}
	if ev.Text != "" {
		return ev.Text, "", nil, true
	}
	return "", "", nil, false
}

func defaultSessionExtractor(line []byte) (string, bool) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", false
	}
	return ev.SessionID, ev.Type == "system" && ev.Subtype == "init"
}

func (r *CLIRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	args := []string{"--output-format", "stream-json", "--print"}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	args = append(args, "--max-turns", fmt.Sprintf("%d", maxTurns))
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	args = append(args, req.Prompt)

	return r.execute(ctx, req.Cwd, args, req.Resume, req.Hooks, req.OnOutput, req.OnToolUse)
}

func (r *CLIRunner) ResumeWithAnswer(ctx context.Context, sessionID string, answer string, opts RunOptions) (RunResult, error) {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	args := []string{
		"--output-format", "stream-json", "--print",
		"--resume", sessionID,
		"--max-turns", fmt.Sprintf("%d", maxTurns),
		answer,
	}
	return r.execute(ctx, "", args, sessionID, opts.Hooks, opts.OnOutput, opts.OnToolUse)
}

// execute runs the CLI and streams its stdout line-by-line, extracting
// session ids and output chunks. If the process fails before a new
// session id is observed, the last-known-good id (lastGoodSessionID) is
// what the result reports, so a caller's retry resumes from a session
// that definitely completed a turn.
func (r *CLIRunner) execute(ctx context.Context, cwd string, args []string, lastGoodSessionID string, hooks []PreToolHook, onOutput func(string), onToolUse func(string, map[string]any)) (RunResult, error) {
	start := time.Now()

	// traceID correlates this launch's log lines even when the process dies
	// before the CLI ever reports a session id (nothing to --resume from,
	// but still something to grep for): a uuid per unit of work.
	traceID := lastGoodSessionID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	log.Debug(log.CatAgent, "agent run starting", "trace_id", traceID, "cwd", cwd)

	cctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.mu.Unlock()
	defer cancel()

	//nolint:gosec // G204: binary and args come from configuration, not untrusted input
	cmd := exec.CommandContext(cctx, r.binary, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{Err: err}, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return RunResult{Err: err}, err
	}

	sessionID := lastGoodSessionID
	var output strings.Builder
	var result streamEvent

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if sid, isInit := r.extractSession(line); isInit && sid != "" {
			sessionID = sid
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err == nil && ev.Type == "result" {
			result = ev
		}

		chunk, toolName, toolInput, ok := r.parseEvent(line)
		if !ok {
			continue
		}
		if toolName == askHumanTool {
			question, _ := toolInput["question"].(string)
			cancel()
			return RunResult{
				SessionID:       sessionID,
				Output:          output.String(),
				DurationMS:      time.Since(start).Milliseconds(),
				PendingQuestion: question,
			}, nil
		}

		if toolName != "" {
			if err := runHooks(cctx, hooks, toolName, toolInput); err != nil {
				cancel()
				return RunResult{SessionID: sessionID, Output: output.String(), Err: err}, err
			}
			if onToolUse != nil {
				onToolUse(toolName, toolInput)
			}
			continue
		}
		output.WriteString(chunk)
		if onOutput != nil {
			onOutput(chunk)
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		log.ErrorErr(log.CatAgent, "agent run failed", waitErr, "trace_id", traceID, "stderr", stderr.String())
		isAuth, isRateLimited := classifyFailure(stderr.String())
		return RunResult{
			SessionID:     sessionID,
			Output:        output.String(),
			DurationMS:    duration.Milliseconds(),
			Success:       false,
			Err:           waitErr,
			IsAuthError:   isAuth,
			IsRateLimited: isRateLimited,
		}, waitErr
	}

	return RunResult{
		SessionID:  sessionID,
		Output:     output.String(),
		CostUSD:    result.CostUSD,
		Turns:      result.NumTurns,
		DurationMS: duration.Milliseconds(),
		Success:    !result.IsError,
	}, nil
}

// askHumanTool is the tool name an agent calls to surface a question back
// to the dispatcher instead of guessing, ending its turn early.
const askHumanTool = "ask_human"

// classifyFailure inspects a failed run's stderr for known signals. It
// works off raw text rather than structured error codes since the CLI
// reports these failures as plain stderr, not stream-json.
func classifyFailure(stderr string) (isAuth, isRateLimited bool) {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		isRateLimited = true
	case strings.Contains(lower, "invalid api key") || strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		isAuth = true
	}
	return isAuth, isRateLimited
}

func runHooks(ctx context.Context, hooks []PreToolHook, toolName string, input map[string]any) error {
	for _, hook := range hooks {
		if err := hook(ctx, toolName, input); err != nil {
			return err
		}
	}
	return nil
}

// Abort cancels every in-flight invocation at the next message boundary.
func (r *CLIRunner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}
