// Package metrics is an append-only per-step/per-workflow cost and
// outcome log, backed by sqlite.
package metrics

import (
	"fmt"
	"time"
)

// Entry is one agent turn's token usage, cost, and outcome (per-turn
// input/output/cache token counts, context window usage, turn cost) plus
// the workflow identifiers WHS needs to slice cost by epic or step.
type Entry struct {
	ID        int64
	EpicID    string
	StepID    string
	Project   string
	SourceID  string
	Agent     string
	Outcome   string

	InputTokens              int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	OutputTokens             int
	ContextTokens            int
	ContextWindow            int

	TurnCostUSD float64
	DurationMS  int64

	RecordedAt time.Time
}

// ContextUsage returns the percentage of context window used (0-100).
func (e Entry) ContextUsage() float64 {
	if e.ContextWindow == 0 {
		return 0
	}
	return float64(e.ContextTokens) / float64(e.ContextWindow) * 100
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (e Entry) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", e.TurnCostUSD)
}
