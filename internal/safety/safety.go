// Package safety implements the pre-tool hooks installed on every agent
// run: a deny-pattern check on shell commands and a worktree-escape check
// on file paths.
package safety

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the outcome of a hook check.
type Decision struct {
	Deny    bool
	Message string
}

func allow() Decision { return Decision{} }

func deny(reason string) Decision {
	return Decision{Deny: true, Message: reason}
}

type denyRule struct {
	pattern *regexp.Regexp
	reason  string
}

// denyRules is compiled once at package init, the same precompiled-table
// style internal/git/executor_impl.go uses for stderr classification.
var denyRules = []denyRule{
	{regexp.MustCompile(`\brm\s+.*-[a-zA-Z]*r[a-zA-Z]*f?[a-zA-Z]*\s+.*(/|~/|\*)`), "refusing to run a recursive rm against root, home, or a wildcard"},
	{regexp.MustCompile(`\brm\s+-[a-zA-Z]*f[a-zA-Z]*r`), "refusing to run a recursive rm"},
	{regexp.MustCompile(`\bgit\s+push\b.*--force\b`), "refusing a force push"},
	{regexp.MustCompile(`\bgit\s+push\b.*-f\b`), "refusing a force push"},
	{regexp.MustCompile(`\bgit\s+reset\b.*--hard\b`), "refusing a hard reset"},
	{regexp.MustCompile(`\bchmod\s+-R\s+777\b`), "refusing a recursive chmod 777"},
	{regexp.MustCompile(`\bmkfs\b`), "refusing to format a filesystem"},
	{regexp.MustCompile(`\bdd\s+.*of=/dev/`), "refusing to write directly to a device"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?sh\b`), "refusing to pipe a remote script into a shell"},
	{regexp.MustCompile(`\bkill\s+(-9\s+)?1\b`), "refusing to kill pid 1"},
	{regexp.MustCompile(`\bkillall\b`), "refusing to run killall"},
	{regexp.MustCompile(`\bshutdown\b`), "refusing to run shutdown"},
	{regexp.MustCompile(`\breboot\b`), "refusing to run reboot"},
}

var cdPattern = regexp.MustCompile(`\bcd\s+(\S+)`)

// CommandHook tests command against the deny-pattern table, then checks
// whether any `cd <path>` in it resolves outside worktree.
func CommandHook(worktree, command string) Decision {
	for _, rule := range denyRules {
		if rule.pattern.MatchString(command) {
			return deny(rule.reason)
		}
	}

	for _, m := range cdPattern.FindAllStringSubmatch(command, -1) {
		if escapesWorktree(worktree, m[1]) {
			return deny("refusing a cd that escapes the worktree: " + m[1])
		}
	}

	return allow()
}

// PathHook denies a file write/edit whose resolved absolute path escapes
// the worktree root.
func PathHook(worktree, target string) Decision {
	if escapesWorktree(worktree, target) {
		return deny("refusing a file write outside the worktree: " + target)
	}
	return allow()
}

// escapesWorktree resolves target relative to worktree and reports
// whether the resulting relative path climbs above the worktree root.
func escapesWorktree(worktree, target string) bool {
	if worktree == "" {
		return false
	}

	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(worktree, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(filepath.Clean(worktree), abs)
	if err != nil {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	return filepath.IsAbs(rel)
}
