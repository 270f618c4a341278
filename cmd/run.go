package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"whs/internal/agent"
	"whs/internal/beads"
	"whs/internal/config"
	"whs/internal/dispatcher"
	"whs/internal/log"
	"whs/internal/metrics"
	"whs/internal/notifier"
	"whs/internal/orchestration/tracing"
	"whs/internal/state"
	"whs/internal/worktree"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dispatcher and run until interrupted",
	Long: `Start the dispatcher's tick loop: it polls every configured project
for ready work, runs the first agent for new workflows, dispatches ready
steps for workflows already in progress, and carries each through to
DONE or BLOCKED.

Press Ctrl+C to request a graceful shutdown; a second Ctrl+C forces an
immediate stop.`,
	RunE: runDispatcher,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDispatcher(_ *cobra.Command, _ []string) error {
	cleanup := initLogging("whs-dispatcher")
	defer cleanup()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lockPath := filepath.Join(filepath.Dir(configPathOrDefault()), "dispatcher.lock")
	if err := state.AcquireLock(lockPath); err != nil {
		return fmt.Errorf("acquiring dispatcher lock: %w", err)
	}
	defer func() {
		if err := state.ReleaseLock(lockPath); err != nil {
			log.Warn(log.CatState, "failed to release lock", "path", lockPath, "error", err.Error())
		}
	}()

	statePath := filepath.Join(filepath.Dir(configPathOrDefault()), "state.json")
	loadedState, err := state.Load(statePath)
	if err != nil {
		loadedState = state.New()
	}

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		FilePath:    cfg.Tracing.FilePath,
		ServiceName: "whs-dispatcher",
	})
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Warn(log.CatDispatcher, "failed to shut down tracer provider", "error", err.Error())
		}
	}()

	deps, err := buildDispatcherDeps(loadedState)
	if err != nil {
		return err
	}
	deps.Tracer = tracerProvider.Tracer()

	d := dispatcher.New(dispatcher.Config{
		Projects:         projectConfigs(),
		OrchestratorPath: cfg.OrchestratorPath,
		Concurrency: dispatcher.Concurrency{
			MaxTotal:      cfg.Concurrency.MaxTotal,
			MaxPerProject: cfg.Concurrency.MaxPerProject,
		},
		RunnerType:       cfg.RunnerType,
		StatePath:        statePath,
		LockPath:         lockPath,
		TickInterval:     cfg.TickInterval,
		ShutdownTimeout:  cfg.Timeouts.GracefulShutdown,
		HealthCheckEvery: 60,
	}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	fmt.Println("whs dispatcher started, press Ctrl+C to stop")
	interrupts := 0
	for interrupts < 2 {
		switch <-sigCh {
		case syscall.SIGUSR1:
			d.Pause("paused by SIGUSR1")
		case syscall.SIGUSR2:
			d.Resume()
		default:
			interrupts++
			if interrupts == 1 {
				fmt.Println("\nshutting down, press Ctrl+C again to force")
			} else {
				fmt.Println("\nforcing stop")
			}
			d.RequestShutdown()
		}
	}

	return nil
}

// buildDispatcherDeps resolves the orchestrator tracker, every project
// tracker and worktree provider, the agent runner, metrics store, and
// notifier that the dispatcher needs, all from cfg.
func buildDispatcherDeps(st state.State) (dispatcher.Deps, error) {
	orchStore := beads.NewRealStore("bd", cfg.OrchestratorPath)

	runner := agent.NewCLIRunner(cfg.RunnerType)
	wtProvider := worktree.NewRealProvider("wt")

	var metricsStore metrics.Store = metrics.NewFakeStore()
	if cfg.OrchestratorPath != "" {
		dbPath := filepath.Join(cfg.OrchestratorPath, ".whs", "metrics.db")
		if store, err := metrics.Open(dbPath); err == nil {
			metricsStore = store
		} else {
			log.Warn(log.CatMetrics, "failed to open metrics store, falling back to in-memory", "path", dbPath, "error", err.Error())
		}
	}

	var notify notifier.Notifier = notifier.LogNotifier{}

	projects := make([]dispatcher.ProjectHandle, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, dispatcher.ProjectHandle{
			Config: dispatcher.ProjectConfig{
				Name:       p.Name,
				RepoPath:   p.RepoPath,
				BaseBranch: p.BaseBranch,
				AgentsPath: p.AgentsPath,
				BeadsMode:  p.BeadsMode,
			},
			Store:    beads.NewRealStore("bd", p.RepoPath),
			Provider: wtProvider,
		})
	}

	return dispatcher.Deps{
		Orchestrator: orchStore,
		Projects:     projects,
		Runner:       runner,
		Metrics:      metricsStore,
		Notifier:     notify,
		State:        st,
	}, nil
}

func projectConfigs() []dispatcher.ProjectConfig {
	out := make([]dispatcher.ProjectConfig, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		out = append(out, dispatcher.ProjectConfig{
			Name:       p.Name,
			RepoPath:   p.RepoPath,
			BaseBranch: p.BaseBranch,
			AgentsPath: p.AgentsPath,
			BeadsMode:  p.BeadsMode,
		})
	}
	return out
}

func configPathOrDefault() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}
