package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"whs/internal/answers"
	"whs/internal/beads"
	"whs/internal/log"
	"whs/internal/state"
	"whs/internal/workflow"
)

// needsPlanningLabel marks a project tracker issue as requiring a
// planner turn before implementation starts, read by startNewWork.
const needsPlanningLabel = "needs-planning"

// tick runs one iteration of the main loop.
func (d *Dispatcher) tick(ctx context.Context, n int64) error {
	d.drainDroppedAnswers()
	d.processAnsweredQuestions(ctx)

	if d.shuttingDown() {
		return nil
	}

	d.dispatchReadySteps(ctx)
	d.startNewWork(ctx)

	if n%d.cfg.HealthCheckEvery == 0 {
		d.daemonHealthCheck(ctx)
	}
	return nil
}

// drainDroppedAnswers reads and removes every file an operator's `whs
// answer` command dropped into the answers directory since the last
// tick, merging each into state.AnsweredQuestions so
// processAnsweredQuestions picks it up the same way it would an answer
// recorded any other way.
func (d *Dispatcher) drainDroppedAnswers() {
	dir := d.cfg.answersDir()
	if dir == "" {
		return
	}
	for _, a := range answers.Drain(dir) {
		if a.QuestionID == "" {
			continue
		}
		log.Info(log.CatDispatcher, "consumed dropped answer file", "question", a.QuestionID)
		d.mutateState(func(s state.State) state.State {
			return state.WithAnsweredQuestion(s, state.AnsweredQuestion{
				WorkItemID: a.WorkItemID,
				QuestionID: a.QuestionID,
				Answer:     a.Text,
				AnsweredAt: time.Now(),
			})
		})
	}
}

// processAnsweredQuestions resumes any session whose pending question now
// has a queued answer, handling a possibly-pending follow-up question and
// re-resolving the handoff. Failures are logged, never abort the tick
//.
func (d *Dispatcher) processAnsweredQuestions(ctx context.Context) {
	snap := d.snapshotState()
	for questionID, answered := range snap.AnsweredQuestions {
		pending, ok := snap.PendingQuestions[questionID]
		if !ok {
			log.Warn(log.CatDispatcher, "answered question has no pending record", "question", questionID)
			d.mutateState(func(s state.State) state.State { return state.WithoutAnsweredQuestion(s, questionID) })
			continue
		}

		if err := d.resumeAnswered(ctx, pending, answered); err != nil {
			log.Error(log.CatDispatcher, "failed to process answered question", "question", questionID, "error", err.Error())
			continue
		}

		d.mutateState(func(s state.State) state.State {
			s = state.WithoutAnsweredQuestion(s, questionID)
			return state.WithoutPendingQuestion(s, questionID)
		})
	}
}

func (d *Dispatcher) resumeAnswered(ctx context.Context, pending state.PendingQuestion, answered state.AnsweredQuestion) error {
	if err := d.orch.AnswerQuestion(ctx, pending.QuestionID, answered.Answer); err != nil {
		log.Error(log.CatDispatcher, "failed to close question issue", "question", pending.QuestionID, "error", err.Error())
	}

	if err := d.engine.MarkStepInProgress(ctx, pending.WorkItemID); err != nil {
		log.Warn(log.CatDispatcher, "failed to mark step in progress on resume", "step", pending.WorkItemID, "error", err.Error())
	}

	info, err := d.engine.GetSourceBeadInfo(ctx, pending.WorkItemID)
	if err != nil {
		return fmt.Errorf("resolving source for step %s: %w", pending.WorkItemID, err)
	}
	project, ok := d.projects[info.Project]
	if !ok {
		return fmt.Errorf("unknown project %q", info.Project)
	}

	return d.runStep(ctx, project, runStepArgs{
		epicID:     "",
		stepID:     pending.WorkItemID,
		sourceID:   info.BeadID,
		resumeFrom: pending.SessionID,
		answer:     answered.Answer,
	})
}

// dispatchReadySteps launches every ready orchestrator step that isn't
// already running and that fits under the concurrency caps.
func (d *Dispatcher) dispatchReadySteps(ctx context.Context) {
	ready, err := d.engine.GetReadyWorkflowSteps(ctx)
	if err != nil {
		log.Error(log.CatDispatcher, "failed to list ready steps", "error", err.Error())
		return
	}

	for _, step := range ready {
		if step.Parent == "" {
			continue
		}
		if d.isRunning(step.Parent) {
			continue
		}

		snap := d.snapshotState()
		if _, active := snap.ActiveWork[step.Parent]; active {
			continue
		}
		if len(snap.ActiveWork) >= d.cfg.Concurrency.MaxTotal {
			log.Debug(log.CatDispatcher, "at max total concurrency, deferring ready step", "step", step.ID)
			continue
		}

		info, err := d.engine.GetSourceBeadInfo(ctx, step.ID)
		if err != nil {
			log.Error(log.CatDispatcher, "failed to resolve source for ready step", "step", step.ID, "error", err.Error())
			continue
		}
		if snap.CountForProject(info.Project) >= d.cfg.Concurrency.MaxPerProject {
			continue
		}
		project, ok := d.projects[info.Project]
		if !ok {
			log.Error(log.CatDispatcher, "ready step references unknown project", "project", info.Project, "step", step.ID)
			continue
		}

		agentName, ok := workflow.StepAgent(step)
		if !ok {
			log.Error(log.CatDispatcher, "ready step missing agent label", "step", step.ID)
			continue
		}

		if err := d.engine.MarkStepInProgress(ctx, step.ID); err != nil {
			log.Error(log.CatDispatcher, "failed to mark step in progress", "step", step.ID, "error", err.Error())
			continue
		}

		d.launchAsync(project, step.Parent, runStepArgs{
			epicID:      step.Parent,
			stepID:      step.ID,
			sourceID:    info.BeadID,
			project:     info.Project,
			agent:       agentName,
			stepContext: step.Description,
		})
	}
}

// startNewWork polls every project tracker for ready issues that don't
// already have a workflow, launching the highest-priority one under
// maxTotal. Skipped entirely while paused.
func (d *Dispatcher) startNewWork(ctx context.Context) {
	if d.paused.Load() {
		return
	}

	snap := d.snapshotState()
	if len(snap.ActiveWork) >= d.cfg.Concurrency.MaxTotal {
		return
	}

	type candidate struct {
		project ProjectHandle
		issue   beads.Issue
	}
	var candidates []candidate

	for name, project := range d.projects {
		if snap.CountForProject(name) >= d.cfg.Concurrency.MaxPerProject {
			continue
		}
		readyIssues, err := project.Store.Ready(ctx)
		if err != nil {
			log.Error(log.CatDispatcher, "failed to list ready issues", "project", name, "error", err.Error())
			continue
		}
		for _, issue := range readyIssues {
			_, exists, err := d.engine.GetWorkflowForSource(ctx, name, issue.ID)
			if err != nil {
				log.Error(log.CatDispatcher, "failed to check existing workflow", "project", name, "issue", issue.ID, "error", err.Error())
				continue
			}
			if exists {
				continue
			}
			candidates = append(candidates, candidate{project: project, issue: issue})
		}
	}

	if len(candidates) == 0 {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].issue.Priority < candidates[j].issue.Priority
	})

	top := candidates[0]
	d.startWorkflowFor(ctx, top.project, top.issue)
}

func (d *Dispatcher) startWorkflowFor(ctx context.Context, project ProjectHandle, issue beads.Issue) {
	item := workflow.WorkItem{
		Project:          project.Config.Name,
		SourceID:         issue.ID,
		PlanningRequired: issue.HasLabel(needsPlanningLabel),
	}
	firstAgent := d.engine.GetFirstAgent(item)

	epicID, stepID, err := d.engine.StartWorkflow(ctx, item, firstAgent)
	if err != nil {
		log.Error(log.CatDispatcher, "failed to start workflow", "project", project.Config.Name, "issue", issue.ID, "error", err.Error())
		return
	}

	if err := d.engine.MarkStepInProgress(ctx, stepID); err != nil {
		log.Error(log.CatDispatcher, "failed to mark first step in progress", "step", stepID, "error", err.Error())
	}

	d.launchAsync(project, epicID, runStepArgs{
		epicID:   epicID,
		stepID:   stepID,
		sourceID: issue.ID,
		project:  project.Config.Name,
		agent:    firstAgent,
	})
}

// daemonHealthCheck ensures every project and orchestrator tracker daemon
// is alive, restarting it if not.
func (d *Dispatcher) daemonHealthCheck(ctx context.Context) {
	check := func(name string, store beads.Store) {
		running, err := store.IsDaemonRunning(ctx)
		if err == nil && running {
			return
		}
		log.Warn(log.CatDispatcher, "tracker daemon not running, restarting", "tracker", name)
		if err := store.EnsureDaemonWithSyncBranch(ctx, ""); err != nil {
			log.Error(log.CatDispatcher, "failed to restart tracker daemon", "tracker", name, "error", err.Error())
		}
	}

	check("orchestrator", d.orch)
	for name, project := range d.projects {
		check(name, project.Store)
	}
}
