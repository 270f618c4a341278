package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"whs/internal/agent"
	"whs/internal/beads"
	"whs/internal/handoff"
	"whs/internal/log"
	"whs/internal/metrics"
	"whs/internal/notifier"
	"whs/internal/safety"
	"whs/internal/state"
	"whs/internal/workflow"
	"whs/internal/worktree"
)

// launch tracks one in-flight agent turn, keyed by the epic (workflow) id
// it belongs to. Cancel is best-effort: the dispatcher never interrupts a
// running agent mid-turn.
type launch struct {
	epicID string
	cancel context.CancelFunc
}

// runStepArgs is everything one launch needs, gathered by the caller
// before the goroutine starts so the goroutine itself never touches
// dispatcher internals beyond d.runStep.
type runStepArgs struct {
	epicID      string
	stepID      string
	sourceID    string
	project     string
	agent       handoff.NextAgent
	stepContext string

	resumeFrom string
	answer     string
}

// launchAsync records active work for epicID and starts the step's agent
// turn in its own goroutine, removing the active-work entry and the
// runningAgents tracking slot once the turn settles.
func (d *Dispatcher) launchAsync(project ProjectHandle, epicID string, args runStepArgs) {
	d.mutateState(func(s state.State) state.State {
		return state.WithActiveWork(s, epicID, state.ActiveWork{
			Project:   args.project,
			SourceID:  args.sourceID,
			EpicID:    args.epicID,
			StepID:    args.stepID,
			StartedAt: time.Now(),
		})
	})

	ctx, cancel := context.WithCancel(d.ctx)
	l := &launch{epicID: epicID, cancel: cancel}
	d.trackLaunch(epicID, l)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer d.untrackLaunch(epicID)

		if err := d.runStep(ctx, project, args); err != nil {
			log.Error(log.CatDispatcher, "launch failed", "epic", epicID, "step", args.stepID, "error", err.Error())
		}
	}()
}

// runStep ensures a worktree, runs (or resumes) the agent, records a
// metrics entry, and routes the outcome through the error-handling matrix
//.
func (d *Dispatcher) runStep(ctx context.Context, project ProjectHandle, args runStepArgs) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.run_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("whs.epic_id", args.epicID),
		attribute.String("whs.step_id", args.stepID),
		attribute.String("whs.project", args.project),
		attribute.String("whs.agent", string(args.agent)),
	)

	ref := worktree.ProjectRef{RepoPath: project.Config.RepoPath}
	wtPath, err := project.Provider.Ensure(ctx, ref, args.sourceID, worktree.EnsureOptions{BaseBranch: project.Config.BaseBranch})
	if err != nil {
		return fmt.Errorf("ensuring worktree for %s: %w", args.sourceID, err)
	}

	hooks := []agent.PreToolHook{safety.NewShellHook(wtPath), safety.NewPathHook(wtPath)}

	start := time.Now()
	var result agent.RunResult
	if args.resumeFrom != "" {
		result, err = d.runner.ResumeWithAnswer(ctx, args.resumeFrom, args.answer, agent.RunOptions{Hooks: hooks})
	} else {
		result, err = d.runner.Run(ctx, agent.RunRequest{
			Prompt:       string(args.agent) + "\n\n" + args.stepContext,
			Cwd:          wtPath,
			SystemPrompt: systemPromptFor(args.agent),
			Hooks:        hooks,
			MetricsContext: map[string]any{
				"epic": args.epicID, "step": args.stepID, "project": args.project,
			},
		})
	}
	duration := time.Since(start)

	epicID := args.epicID
	if epicID == "" {
		epicID = d.epicForStep(ctx, args.stepID)
	}

	d.recordMetrics(ctx, epicID, args, result, duration)

	classified := result.IsAuthError || result.IsRateLimited || result.PendingQuestion != ""
	if err != nil && !classified {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("running agent for step %s: %w", args.stepID, err)
	}

	return d.handleResult(ctx, project, epicID, args, wtPath, result)
}

func (d *Dispatcher) epicForStep(ctx context.Context, stepID string) string {
	issue, err := d.orch.Show(ctx, stepID)
	if err != nil {
		return ""
	}
	return issue.Parent
}

func (d *Dispatcher) recordMetrics(ctx context.Context, epicID string, args runStepArgs, result agent.RunResult, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	outcome := "error"
	if result.Success {
		outcome = "success"
	}
	err := d.metrics.Record(ctx, metrics.Entry{
		EpicID:      epicID,
		StepID:      args.stepID,
		Project:     args.project,
		SourceID:    args.sourceID,
		Agent:       string(args.agent),
		Outcome:     outcome,
		TurnCostUSD: result.CostUSD,
		DurationMS:  duration.Milliseconds(),
	})
	if err != nil {
		log.Error(log.CatMetrics, "failed to record launch metrics", "step", args.stepID, "error", err.Error())
	}
}

// handleResult routes a settled RunResult through the launch error matrix:
// auth error, rate limit, pending question, invalid handoff, DONE, or
// BLOCKED.
func (d *Dispatcher) handleResult(ctx context.Context, project ProjectHandle, epicID string, args runStepArgs, wtPath string, result agent.RunResult) error {
	item := notifier.WorkItem{Project: args.project, SourceID: args.sourceID, EpicID: epicID}

	if result.IsAuthError {
		d.blockWorkflow(ctx, epicID, fmt.Sprintf("authentication error: %v", result.Err))
		d.notifyError(ctx, item, result.Err)
		return nil
	}

	if result.IsRateLimited {
		d.Pause(fmt.Sprintf("rate limited on step %s", args.stepID))
		d.notifyError(ctx, item, result.Err)
		return nil
	}

	if result.PendingQuestion != "" {
		return d.recordPendingQuestion(ctx, project, epicID, args, result)
	}

	h := handoff.Resolve(ctx, wtPath, result.Output, result.SessionID, d.runner)
	if err := h.Validate(); err != nil {
		d.blockWorkflow(ctx, epicID, fmt.Sprintf("invalid handoff: %v", err))
		d.notifyError(ctx, item, err)
		return nil
	}

	switch h.NextAgent {
	case handoff.AgentDone:
		return d.completeWorkflow(ctx, project, epicID, args, item)
	case handoff.AgentBlocked:
		return d.blockWorkflowWithContext(ctx, epicID, h.Context, item)
	default:
		return d.continueWorkflow(ctx, epicID, args, h)
	}
}

func (d *Dispatcher) recordPendingQuestion(ctx context.Context, project ProjectHandle, epicID string, args runStepArgs, result agent.RunResult) error {
	q, err := d.orch.CreateQuestion(ctx, beads.QuestionRequest{
		ForIssue: args.stepID,
		Title:    fmt.Sprintf("question from %s on %s", args.agent, args.stepID),
		Body:     result.PendingQuestion,
	})
	if err != nil {
		log.Error(log.CatDispatcher, "failed to create question issue", "step", args.stepID, "error", err.Error())
	} else if err := d.orch.DepAdd(ctx, args.stepID, q.ID); err != nil {
		log.Error(log.CatDispatcher, "failed to block step on question", "step", args.stepID, "question", q.ID, "error", err.Error())
	}

	pending := state.PendingQuestion{
		WorkItemID: args.stepID,
		QuestionID: q.ID,
		SessionID:  result.SessionID,
		AskedAt:    time.Now(),
	}
	d.mutateState(func(s state.State) state.State {
		s = state.WithoutActiveWork(s, epicID)
		return state.WithPendingQuestion(s, pending)
	})

	if d.notify != nil {
		_ = d.notify.NotifyQuestion(ctx, notifier.WorkItem{Project: args.project, SourceID: args.sourceID, EpicID: epicID}, pending)
	}
	return nil
}

func (d *Dispatcher) completeWorkflow(ctx context.Context, project ProjectHandle, epicID string, args runStepArgs, item notifier.WorkItem) error {
	if err := d.engine.CompleteStep(ctx, args.stepID, "workflow complete"); err != nil {
		log.Error(log.CatDispatcher, "failed to close final step", "step", args.stepID, "error", err.Error())
	}
	if err := d.engine.CompleteWorkflow(ctx, epicID, workflow.OutcomeDone, "workflow complete"); err != nil {
		log.Error(log.CatDispatcher, "failed to close epic", "epic", epicID, "error", err.Error())
	}
	if err := project.Store.Close(ctx, args.sourceID, "completed via workflow"); err != nil {
		log.Error(log.CatDispatcher, "failed to close source issue", "issue", args.sourceID, "error", err.Error())
	}
	ref := worktree.ProjectRef{RepoPath: project.Config.RepoPath}
	if err := project.Provider.Remove(ctx, ref, args.sourceID, false); err != nil {
		log.Warn(log.CatDispatcher, "failed to remove worktree after completion, leaving in place", "source", args.sourceID, "error", err.Error())
	}

	d.mutateState(func(s state.State) state.State { return state.WithoutActiveWork(s, epicID) })
	if d.notify != nil {
		_ = d.notify.NotifyComplete(ctx, item, "done")
	}
	return nil
}

func (d *Dispatcher) blockWorkflowWithContext(ctx context.Context, epicID string, reason string, item notifier.WorkItem) error {
	d.blockWorkflow(ctx, epicID, reason)
	if d.notify != nil {
		_ = d.notify.NotifyComplete(ctx, item, "blocked")
	}
	return nil
}

func (d *Dispatcher) blockWorkflow(ctx context.Context, epicID string, reason string) {
	if err := d.engine.CompleteWorkflow(ctx, epicID, workflow.OutcomeBlocked, reason); err != nil {
		log.Error(log.CatDispatcher, "failed to mark workflow blocked", "epic", epicID, "error", err.Error())
	}
	d.mutateState(func(s state.State) state.State { return state.WithoutActiveWork(s, epicID) })
}

func (d *Dispatcher) continueWorkflow(ctx context.Context, epicID string, args runStepArgs, h handoff.Handoff) error {
	if err := d.engine.CompleteStep(ctx, args.stepID, fmt.Sprintf("handoff: next agent %s", h.NextAgent)); err != nil {
		log.Error(log.CatDispatcher, "failed to close step", "step", args.stepID, "error", err.Error())
	}

	if _, err := d.engine.CreateNextStep(ctx, epicID, h.NextAgent, h.Context, h.PRNumber, h.CIStatus); err != nil {
		log.Error(log.CatDispatcher, "failed to create next step", "epic", epicID, "error", err.Error())
	}

	d.mutateState(func(s state.State) state.State { return state.WithoutActiveWork(s, epicID) })
	if d.notify != nil {
		_ = d.notify.NotifyProgress(ctx, notifier.WorkItem{Project: args.project, SourceID: args.sourceID, EpicID: epicID},
			fmt.Sprintf("handed off to %s", h.NextAgent))
	}
	return nil
}

func (d *Dispatcher) notifyError(ctx context.Context, item notifier.WorkItem, err error) {
	if d.notify == nil {
		return
	}
	_ = d.notify.NotifyError(ctx, item, err)
}

// systemPromptFor returns the fixed system prompt for agent, read from the
// project's agentsPath at launch time in the real deployment; tests supply
// a FakeRunner that ignores it.
func systemPromptFor(a handoff.NextAgent) string {
	return fmt.Sprintf("You are the %s agent. Emit a handoff when your turn ends.", a)
}
