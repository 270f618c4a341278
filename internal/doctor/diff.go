package doctor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	diffTimeout  = 10 * time.Second
	diffMaxFiles = 5
	diffMaxBytes = 64 * 1024
)

// divergedWorktreeDiff summarizes how a worktree's tracked files differ from
// its base branch, for a diverged worktree's diagnostic details. It reads
// file content via git (read-only, outside the `wt` CLI's narrower surface)
// and diffs old against new content per file the way a word-level diff
// computes a diff between two line strings: DiffMain followed by
// DiffCleanupSemantic.
func divergedWorktreeDiff(ctx context.Context, path, baseBranch string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, diffTimeout)
	defer cancel()

	names, err := gitOutput(cctx, path, "diff", "--name-only", baseBranch)
	if err != nil {
		return "", fmt.Errorf("listing changed files: %w", err)
	}
	files := strings.Fields(names)
	if len(files) == 0 {
		return "", nil
	}
	total := len(files)
	if total > diffMaxFiles {
		files = files[:diffMaxFiles]
	}

	dmp := diffmatchpatch.New()
	var lines []string
	for _, file := range files {
		oldContent, errOld := gitOutput(cctx, path, "show", baseBranch+":"+file)
		newContent, errNew := gitOutput(cctx, path, "show", "HEAD:"+file)
		if errOld != nil {
			oldContent = ""
		}
		if errNew != nil {
			newContent = ""
		}
		if len(oldContent)+len(newContent) > diffMaxBytes {
			lines = append(lines, fmt.Sprintf("%s: too large to summarize", file))
			continue
		}

		diffs := dmp.DiffMain(oldContent, newContent, true)
		diffs = dmp.DiffCleanupSemantic(diffs)
		added, removed := countDiffLines(diffs)
		lines = append(lines, fmt.Sprintf("%s: +%d -%d", file, added, removed))
	}

	if total > diffMaxFiles {
		lines = append(lines, fmt.Sprintf("(%d more file(s) not shown)", total-diffMaxFiles))
	}
	return strings.Join(lines, "; "), nil
}

// countDiffLines counts newline-delimited insertions and deletions across a
// diffmatchpatch diff, the line-level analogue of classifying diff segments
// word by word.
func countDiffLines(diffs []diffmatchpatch.Diff) (added, removed int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args are fixed git subcommands plus a repo-relative path already returned by a prior git call
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
