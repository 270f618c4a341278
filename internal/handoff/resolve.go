package handoff

import (
	"context"
	"os"
	"path/filepath"

	"whs/internal/agent"
	"whs/internal/log"
)

// handoffFileName is the sentinel file an agent may write to survive a
// crash after deciding the handoff.
const handoffFileName = ".whs-handoff.json"

// maxHandoffResumeTurns bounds tier 3's resume-and-ask turn budget.
const maxHandoffResumeTurns = 10

const resumePrompt = `[SYSTEM REMINDER] Your turn ended without a recognizable handoff. ` +
	`Emit a "whs handoff" command, or a fenced yaml block shaped like:

next_agent: <implementation|quality_review|release_manager|ux_specialist|architect|planner|DONE|BLOCKED>
context: <one paragraph summary of what's done and what's next>
`

// tierFile tries to read and validate the handoff file, removing it on
// success so a later call doesn't see a stale handoff.
func tierFile(worktree string) (Handoff, bool) {
	path := filepath.Join(worktree, handoffFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Handoff{}, false
	}

	m, err := decodeWireMap(data)
	if err != nil {
		log.Warn(log.CatHandoff, "handoff file present but unparseable", "path", path, "error", err.Error())
		return Handoff{}, false
	}
	h, err := decodeHandoffMap(m)
	if err != nil {
		log.Warn(log.CatHandoff, "handoff file failed validation", "path", path, "error", err.Error())
		return Handoff{}, false
	}

	if err := os.Remove(path); err != nil {
		log.Warn(log.CatHandoff, "failed to remove consumed handoff file", "path", path, "error", err.Error())
	}
	return h, true
}

// tierResumeAndAsk resumes the session with a fixed prompt asking for a
// recognizable handoff, re-checking the handoff file then re-trying the
// tier-2 parsers on the new output.
func tierResumeAndAsk(ctx context.Context, worktree string, sessionID string, runner agent.Runner) (Handoff, bool) {
	if runner == nil || sessionID == "" {
		return Handoff{}, false
	}

	result, err := runner.ResumeWithAnswer(ctx, sessionID, resumePrompt, agent.RunOptions{MaxTurns: maxHandoffResumeTurns})
	if err != nil {
		log.Warn(log.CatHandoff, "resume-and-ask failed", "session", sessionID, "error", err.Error())
		return Handoff{}, false
	}

	if h, ok := tierFile(worktree); ok {
		return h, true
	}
	return parseOutput(result.Output)
}

// Resolve runs the four handoff tiers in order, returning the first that
// succeeds, falling back to BLOCKED with diagnostic context.
func Resolve(ctx context.Context, worktree string, output string, sessionID string, runner agent.Runner) Handoff {
	if h, ok := tierFile(worktree); ok {
		log.Debug(log.CatHandoff, "resolved via handoff file", "next_agent", string(h.NextAgent))
		return h
	}

	if h, ok := parseOutput(output); ok {
		log.Debug(log.CatHandoff, "resolved via structured text parse", "next_agent", string(h.NextAgent))
		return h
	}

	if h, ok := tierResumeAndAsk(ctx, worktree, sessionID, runner); ok {
		log.Debug(log.CatHandoff, "resolved via resume-and-ask", "next_agent", string(h.NextAgent))
		return h
	}

	h := blockedFallback(output)
	log.Warn(log.CatHandoff, "no handoff resolvable, falling back to BLOCKED")
	return h
}
