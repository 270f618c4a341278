package doctor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/require"
)

// initDivergedRepo builds a temp git repo with a "main" branch and a second
// branch that has diverged from it by one modified file, returning the
// worktree-equivalent directory (here just the repo itself, checked out on
// the divergent branch) and "main" as the base branch name.
func initDivergedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("line one\nline two\n"), 0o644))
	run("add", "file.txt")
	run("commit", "-m", "initial")

	run("checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("line one\nline two changed\nline three\n"), 0o644))
	run("commit", "-am", "diverge")

	return dir
}

func TestDivergedWorktreeDiffSummarizesChangedFiles(t *testing.T) {
	dir := initDivergedRepo(t)

	summary, err := divergedWorktreeDiff(context.Background(), dir, "main")
	require.NoError(t, err)
	require.Contains(t, summary, "file.txt")
}

func TestDivergedWorktreeDiffNoChangesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("content\n"), 0o644))
	run("add", "file.txt")
	run("commit", "-m", "initial")

	summary, err := divergedWorktreeDiff(context.Background(), dir, "main")
	require.NoError(t, err)
	require.Empty(t, summary)
}

func TestCountDiffLinesCountsAddedAndRemoved(t *testing.T) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain("line a\nline b\n", "line a\nline c\nline d\n", true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	added, removed := countDiffLines(diffs)
	require.Equal(t, 2, added)
	require.Equal(t, 1, removed)
}
