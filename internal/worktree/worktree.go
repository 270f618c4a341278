// Package worktree provides an isolated checkout per work item, created
// and torn down via the `wt` CLI, keyed by a branch name equal
// to the source issue ID.
package worktree

import (
	"path/filepath"
	"regexp"
	"strings"
)

// MainState classifies a worktree's relationship to its base branch.
type MainState string

const (
	StateIsMain     MainState = "is_main"
	StateIntegrated MainState = "integrated"
	StateAhead      MainState = "ahead"
	StateBehind     MainState = "behind"
	StateDiverged   MainState = "diverged"
	StateEmpty      MainState = "empty"
)

// WorkingTree summarizes the uncommitted-change counts `wt list` reports.
type WorkingTree struct {
	Staged    int `json:"staged"`
	Modified  int `json:"modified"`
	Untracked int `json:"untracked"`
}

// Info describes one worktree, including the main checkout itself.
type Info struct {
	Path        string      `json:"path"`
	Branch      string      `json:"branch"`
	IsMain      bool        `json:"is_main"`
	IsCurrent   bool        `json:"is_current"`
	MainState   MainState   `json:"main_state"`
	WorkingTree WorkingTree `json:"working_tree"`
}

var branchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeBranch mirrors the `wt` CLI's own sanitization of a branch name
// into a directory-safe segment for the sibling-directory convention.
func sanitizeBranch(branch string) string {
	return branchSanitizer.ReplaceAllString(branch, "-")
}

// siblingPath computes `<repoPath>-worktrees/<sanitized-branch>/`, the
// fixed convention for worktree placement.
func siblingPath(repoPath, branch string) string {
	parent := filepath.Dir(repoPath)
	repoName := filepath.Base(repoPath)
	return filepath.Join(parent, repoName+"-worktrees", sanitizeBranch(branch))
}

// sameWorktree reports whether an existing worktree at path/branch should
// be treated as the worktree for sourceID, tolerating an agent having
// renamed the branch mid-work as long as the path still matches.
func sameWorktree(info Info, sourceID string) bool {
	if info.Branch == sourceID {
		return true
	}
	return strings.HasSuffix(filepath.Clean(info.Path), sourceID)
}
