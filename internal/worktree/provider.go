package worktree

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"whs/internal/log"
)

// Sentinel errors for `wt` failures, classified from stderr substrings.
var (
	ErrBranchCheckedOut = errors.New("branch already checked out in another worktree")
	ErrPathExists       = errors.New("worktree path already exists")
	ErrLocked           = errors.New("worktree is locked")
	ErrUncommitted      = errors.New("worktree has uncommitted changes")
	ErrIsMainWorktree   = errors.New("refusing to remove the main worktree")
)

const wtTimeout = 30 * time.Second

// EnsureOptions parameterizes Provider.Ensure.
type EnsureOptions struct {
	BaseBranch string
}

// Provider creates, lists, and removes worktrees for a project.
type Provider interface {
	Ensure(ctx context.Context, project ProjectRef, sourceID string, opts EnsureOptions) (string, error)
	List(ctx context.Context, project ProjectRef) ([]Info, error)
	Remove(ctx context.Context, project ProjectRef, branch string, force bool) error
}

// ProjectRef is the minimal project identity Provider needs: its repo root.
type ProjectRef struct {
	RepoPath string
}

// RealProvider shells out to the `wt` CLI: sentinel errors, a
// run/runOutput helper pair, and stderr-substring classification.
type RealProvider struct {
	binary string
}

var _ Provider = (*RealProvider)(nil)

// NewRealProvider returns a Provider invoking binary (default "wt").
func NewRealProvider(binary string) *RealProvider {
	if binary == "" {
		binary = "wt"
	}
	return &RealProvider{binary: binary}
}

func (p *RealProvider) runOutput(ctx context.Context, project ProjectRef, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, wtTimeout)
	defer cancel()

	//nolint:gosec // G204: args are built from fixed subcommands plus controlled project/branch values
	cmd := exec.CommandContext(cctx, p.binary, args...)
	cmd.Dir = project.RepoPath
	cmd.Env = append(os.Environ(), "WORKTRUNK_WORKTREE_PATH={{ repo_path }}-worktrees/{{ branch | sanitize }}")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug(log.CatWorktree, "running wt command", "args", strings.Join(args, " "), "repo", project.RepoPath)

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("wt %s: timed out after %s", strings.Join(args, " "), wtTimeout)
		}
		if stderrStr != "" {
			return "", parseWtError(stderrStr, err)
		}
		return "", fmt.Errorf("wt %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (p *RealProvider) run(ctx context.Context, project ProjectRef, args ...string) error {
	_, err := p.runOutput(ctx, project, args...)
	return err
}

// parseWtError converts wt stderr messages to specific sentinel errors via
// stderr-substring classification.
func parseWtError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "already checked out"):
		return fmt.Errorf("%w: %s", ErrBranchCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrPathExists, stderr)
	case strings.Contains(lower, "is locked"):
		return fmt.Errorf("%w: %s", ErrLocked, stderr)
	case strings.Contains(lower, "uncommitted"):
		return fmt.Errorf("%w: %s", ErrUncommitted, stderr)
	default:
		return fmt.Errorf("wt error: %s: %w", stderr, originalErr)
	}
}

// Ensure switches to the worktree for sourceID, creating it (and the
// branch) if it doesn't exist yet, and returns its absolute path.
func (p *RealProvider) Ensure(ctx context.Context, project ProjectRef, sourceID string, opts EnsureOptions) (string, error) {
	existing, err := p.List(ctx, project)
	if err != nil {
		return "", err
	}
	for _, info := range existing {
		if sameWorktree(info, sourceID) {
			return info.Path, nil
		}
	}

	args := []string{"switch", "--create"}
	if opts.BaseBranch != "" {
		args = append(args, "--base", opts.BaseBranch)
	}
	args = append(args, sourceID)

	if err := p.run(ctx, project, args...); err != nil {
		return "", fmt.Errorf("creating worktree for %q: %w", sourceID, err)
	}

	refreshed, err := p.List(ctx, project)
	if err != nil {
		return "", err
	}
	for _, info := range refreshed {
		if sameWorktree(info, sourceID) {
			return info.Path, nil
		}
	}
	return siblingPath(project.RepoPath, sourceID), nil
}

// wtListEntry is the shape `wt list --format=json` emits per worktree.
type wtListEntry struct {
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	IsMain    bool   `json:"is_main"`
	IsCurrent bool   `json:"is_current"`
	MainState string `json:"main_state"`
	Staged    int    `json:"staged"`
	Modified  int    `json:"modified"`
	Untracked int    `json:"untracked"`
}

// List returns every worktree including the main checkout.
func (p *RealProvider) List(ctx context.Context, project ProjectRef) ([]Info, error) {
	out, err := p.runOutput(ctx, project, "list", "--format=json")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	var entries []wtListEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		// Fall back to the porcelain scanner, in case the wt version in
		// use doesn't support --format=json yet.
		return parsePorcelain(out), nil
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, Info{
			Path:      e.Path,
			Branch:    e.Branch,
			IsMain:    e.IsMain,
			IsCurrent: e.IsCurrent,
			MainState: MainState(e.MainState),
			WorkingTree: WorkingTree{
				Staged:    e.Staged,
				Modified:  e.Modified,
				Untracked: e.Untracked,
			},
		})
	}
	return infos, nil
}

// parsePorcelain parses `wt list`'s plain-text fallback format, the same
// blank-line-delimited shape `git worktree list --porcelain` uses.
func parsePorcelain(output string) []Info {
	var infos []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				infos = append(infos, current)
			}
			current = Info{}
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}
		switch parts[0] {
		case "worktree":
			current.Path = parts[1]
		case "branch":
			current.Branch = strings.TrimPrefix(parts[1], "refs/heads/")
		case "main":
			current.IsMain = true
		}
	}
	if current.Path != "" {
		infos = append(infos, current)
	}
	return infos
}

// Remove deletes the worktree for branch. Refuses on the main worktree,
// and on uncommitted changes unless force is set.
func (p *RealProvider) Remove(ctx context.Context, project ProjectRef, branch string, force bool) error {
	infos, err := p.List(ctx, project)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Branch != branch {
			continue
		}
		if info.IsMain {
			return ErrIsMainWorktree
		}
		hasChanges := info.WorkingTree.Staged+info.WorkingTree.Modified+info.WorkingTree.Untracked > 0
		if hasChanges && !force {
			return ErrUncommitted
		}
	}

	args := []string{"remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, branch)
	return p.run(ctx, project, args...)
}
