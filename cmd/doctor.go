package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"whs/internal/beads"
	"whs/internal/doctor"
	"whs/internal/state"
	"whs/internal/workflow"
	"whs/internal/worktree"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run read-only pre-flight diagnostics",
	Long: `doctor checks every tracker daemon is up, surfaces workflows that
errored or are blocked on a human, flags steps stuck waiting on CI, finds
orphaned worktrees, and sanity-checks the dispatcher's state file and
lock. It never mutates anything.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	orchStore := beads.NewRealStore("bd", cfg.OrchestratorPath)
	wtProvider := worktree.NewRealProvider("wt")

	trackers := make([]doctor.ProjectTracker, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		trackers = append(trackers, doctor.ProjectTracker{
			Project:    p.Name,
			Store:      beads.NewRealStore("bd", p.RepoPath),
			Provider:   wtProvider,
			Repo:       worktree.ProjectRef{RepoPath: p.RepoPath},
			BaseBranch: p.BaseBranch,
		})
	}

	statePath := filepath.Join(filepath.Dir(configPathOrDefault()), "state.json")
	loadedState, err := state.Load(statePath)
	if err != nil {
		loadedState = state.New()
	}
	lockPath := filepath.Join(filepath.Dir(configPathOrDefault()), "dispatcher.lock")

	checks := doctor.Run(context.Background(), doctor.Dependencies{
		Orchestrator: orchStore,
		Projects:     trackers,
		Engine:       workflow.NewEngine(orchStore),
		State:        loadedState,
		LockPath:     lockPath,
		GHBinary:     "gh",
	})

	failed := false
	for _, c := range checks {
		fmt.Printf("[%s] %s: %s\n", c.Status, c.Name, c.Message)
		if c.Status == doctor.StatusFail {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}
