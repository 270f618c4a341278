package handoff

import (
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(yaml|yml|json)\\s*\\n(.*?)\\n```")

// parseFencedBlocks tries every fenced block in preference order: yaml/yml
// first, then json.
func parseFencedBlocks(output string) (Handoff, bool) {
	matches := fencedBlock.FindAllStringSubmatch(output, -1)

	// First pass: yaml/yml fences.
	for _, m := range matches {
		if m[1] == "json" {
			continue
		}
		if h, ok := tryDecode(m[2]); ok {
			return h, true
		}
	}
	// Second pass: json fences.
	for _, m := range matches {
		if m[1] != "json" {
			continue
		}
		if h, ok := tryDecode(m[2]); ok {
			return h, true
		}
	}
	return Handoff{}, false
}

func tryDecode(block string) (Handoff, bool) {
	m, err := decodeWireMap([]byte(block))
	if err != nil || m == nil {
		return Handoff{}, false
	}
	h, err := decodeHandoffMap(m)
	if err != nil {
		return Handoff{}, false
	}
	return h, true
}

var inlineSection = regexp.MustCompile(`(?m)^next_agent:\s*(\S+)\s*$`)
var inlineContext = regexp.MustCompile(`(?m)^context:\s*(.+)$`)

// parseInlineSection matches an inline section beginning with
// `next_agent:` at a line start and containing a `context:` key
//.
func parseInlineSection(output string) (Handoff, bool) {
	agentMatch := inlineSection.FindStringSubmatch(output)
	contextMatch := inlineContext.FindStringSubmatch(output)
	if agentMatch == nil || contextMatch == nil {
		return Handoff{}, false
	}
	h := Handoff{
		NextAgent: NextAgent(strings.TrimSpace(agentMatch[1])),
		Context:   strings.TrimSpace(contextMatch[1]),
	}
	if err := h.Validate(); err != nil {
		return Handoff{}, false
	}
	return h, true
}

const looseMatchWindow = 2000

var looseAgentMatch = regexp.MustCompile(`next_agent:\s*(\S+)`)
var looseContextMatch = regexp.MustCompile(`context:\s*(.+)`)

// parseLooseMatch scans only the final looseMatchWindow characters of
// output for a bare `next_agent: <name>` with optional `context:`
//.
func parseLooseMatch(output string) (Handoff, bool) {
	window := output
	if len(window) > looseMatchWindow {
		window = window[len(window)-looseMatchWindow:]
	}

	agentMatch := looseAgentMatch.FindStringSubmatch(window)
	if agentMatch == nil {
		return Handoff{}, false
	}
	h := Handoff{NextAgent: NextAgent(strings.TrimSpace(agentMatch[1]))}
	if contextMatch := looseContextMatch.FindStringSubmatch(window); contextMatch != nil {
		h.Context = strings.TrimSpace(contextMatch[1])
	}
	if err := h.Validate(); err != nil {
		return Handoff{}, false
	}
	return h, true
}

// parseOutput tries every tier-2 strategy in a fixed order.
func parseOutput(output string) (Handoff, bool) {
	if h, ok := parseFencedBlocks(output); ok {
		return h, true
	}
	if h, ok := parseInlineSection(output); ok {
		return h, true
	}
	if h, ok := parseLooseMatch(output); ok {
		return h, true
	}
	return Handoff{}, false
}

// tailLines returns at most n trailing lines of s, for BLOCKED fallback
// context.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func blockedFallback(output string) Handoff {
	return Handoff{
		NextAgent: AgentBlocked,
		Context:   fmt.Sprintf("no handoff could be parsed; last output:\n%s", tailLines(output, 40)),
	}
}
