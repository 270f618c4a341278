// Package workflow drives the epic/step state machine a work item moves
// through, backed by the orchestrator's own issue tracker.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"whs/internal/beads"
	"whs/internal/handoff"
)

const (
	labelWorkflow    = "whs:workflow"
	labelStep        = "whs:step"
	labelBlockedHume = "blocked:human"
)

func labelProject(project string) string     { return "project:" + project }
func labelSource(sourceID string) string     { return "source:" + sourceID }
func labelEpic(epicID string) string         { return "epic:" + epicID }
func labelPR(n int) string                   { return fmt.Sprintf("pr:%d", n) }
func labelCI(status handoff.CIStatus) string { return "ci:" + string(status) }
func labelAgent(agent handoff.NextAgent) string { return "agent:" + string(agent) }

// StepAgent extracts the agent:<name> label the dispatcher uses to know
// which agent to launch for a ready step, without parsing the title.
func StepAgent(issue beads.Issue) (handoff.NextAgent, bool) {
	for _, l := range issue.Labels {
		if after, ok := strings.CutPrefix(l, "agent:"); ok {
			return handoff.NextAgent(after), true
		}
	}
	return "", false
}

// Outcome is how a workflow finished.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeBlocked Outcome = "blocked"
)

// WorkItem is the source issue (from a project tracker) a workflow is for.
type WorkItem struct {
	Project          string
	SourceID         string
	PlanningRequired bool
}

// Engine wraps an IssueStore bound to the orchestrator tracker, holding a
// narrow interface rather than a concrete client so it stays swappable in
// tests.
type Engine struct {
	store beads.Store
}

// NewEngine returns an Engine backed by store, which must be bound to the
// orchestrator's own tracker path (not a project tracker).
func NewEngine(store beads.Store) *Engine {
	return &Engine{store: store}
}

// GetFirstAgent decides the opening agent for a work item: planner if the
// source issue needs planning, implementation otherwise.
func (e *Engine) GetFirstAgent(item WorkItem) handoff.NextAgent {
	if item.PlanningRequired {
		return handoff.AgentPlanner
	}
	return handoff.AgentImplementation
}

// StartWorkflow creates the epic and its first step. A crash between the
// two writes leaves the step missing but the epic already tagged
// source:<id>; the next tick detects this via GetWorkflowForSource.
func (e *Engine) StartWorkflow(ctx context.Context, item WorkItem, firstAgent handoff.NextAgent) (epicID string, stepID string, err error) {
	epic, err := e.store.Create(ctx, beads.CreateRequest{
		Title:    fmt.Sprintf("workflow: %s", item.SourceID),
		Type:     beads.TypeEpic,
		Priority: beads.PriorityMedium,
		Labels:   []string{labelWorkflow, labelProject(item.Project), labelSource(item.SourceID)},
	})
	if err != nil {
		return "", "", fmt.Errorf("creating epic for %s: %w", item.SourceID, err)
	}

	step, err := e.store.Create(ctx, beads.CreateRequest{
		Title:    fmt.Sprintf("%s: %s", firstAgent, item.SourceID),
		Type:     beads.TypeTask,
		Priority: beads.PriorityMedium,
		Parent:   epic.ID,
		Labels:   []string{labelStep, labelProject(item.Project), labelSource(item.SourceID), labelAgent(firstAgent)},
	})
	if err != nil {
		return epic.ID, "", fmt.Errorf("creating first step for epic %s: %w", epic.ID, err)
	}

	return epic.ID, step.ID, nil
}

// CreateNextStep adds a child step that depends on the most recent
// existing step, so at most one step per epic is ever ready.
func (e *Engine) CreateNextStep(ctx context.Context, epicID string, agent handoff.NextAgent, stepContext string, prNumber int, ciStatus handoff.CIStatus) (string, error) {
	epic, err := e.store.Show(ctx, epicID)
	if err != nil {
		return "", fmt.Errorf("loading epic %s: %w", epicID, err)
	}

	siblings, err := e.store.List(ctx, beads.ListFilter{Labels: []string{labelStep}})
	if err != nil {
		return "", fmt.Errorf("listing steps for epic %s: %w", epicID, err)
	}

	var latest *beads.Issue
	for i := range siblings {
		if siblings[i].Parent != epicID {
			continue
		}
		if latest == nil || siblings[i].CreatedAt.After(latest.CreatedAt) {
			latest = &siblings[i]
		}
	}

	labels := []string{labelStep, labelEpic(epicID), labelAgent(agent)}
	for _, l := range epic.Labels {
		if strings.HasPrefix(l, "project:") || strings.HasPrefix(l, "source:") {
			labels = append(labels, l)
		}
	}
	if prNumber > 0 {
		labels = append(labels, labelPR(prNumber))
	}
	if ciStatus != "" {
		labels = append(labels, labelCI(ciStatus))
	}

	req := beads.CreateRequest{
		Title:       fmt.Sprintf("%s: continue", agent),
		Description: stepContext,
		Type:        beads.TypeTask,
		Priority:    beads.PriorityMedium,
		Parent:      epicID,
		Labels:      labels,
	}
	if latest != nil {
		req.Dependencies = []string{latest.ID}
	}

	step, err := e.store.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("creating next step for epic %s: %w", epicID, err)
	}
	return step.ID, nil
}

// CompleteStep closes a step with the given reason.
func (e *Engine) CompleteStep(ctx context.Context, stepID string, reason string) error {
	return e.store.Close(ctx, stepID, reason)
}

// MarkStepInProgress transitions a step to in_progress, guarding against a
// dispatcher race that would otherwise also pick it up.
func (e *Engine) MarkStepInProgress(ctx context.Context, stepID string) error {
	return e.store.Update(ctx, stepID, map[string]any{"status": string(beads.StatusInProgress)})
}

// CompleteWorkflow closes the epic. On OutcomeBlocked it adds the
// blocked:human label so Doctor and operators can find it.
func (e *Engine) CompleteWorkflow(ctx context.Context, epicID string, outcome Outcome, reason string) error {
	if outcome == OutcomeBlocked {
		if err := e.store.Update(ctx, epicID, map[string]any{"add_label": labelBlockedHume}); err != nil {
			return fmt.Errorf("labeling epic %s blocked: %w", epicID, err)
		}
	}
	return e.store.Close(ctx, epicID, reason)
}

// GetReadyWorkflowSteps returns every ready issue in the orchestrator
// tracker that carries whs:step.
func (e *Engine) GetReadyWorkflowSteps(ctx context.Context) ([]beads.Issue, error) {
	ready, err := e.store.Ready(ctx)
	if err != nil {
		return nil, err
	}
	steps := make([]beads.Issue, 0, len(ready))
	for _, issue := range ready {
		if issue.HasLabel(labelStep) {
			steps = append(steps, issue)
		}
	}
	return steps, nil
}

// GetWorkflowForSource looks up the workflow epic for (project, sourceID).
// When multiple issues carry both project:<p> and source:<s>, the one also
// labeled whs:workflow wins; otherwise any match is returned.
func (e *Engine) GetWorkflowForSource(ctx context.Context, project, sourceID string) (beads.Issue, bool, error) {
	candidates, err := e.store.List(ctx, beads.ListFilter{Labels: []string{labelProject(project), labelSource(sourceID)}})
	if err != nil {
		return beads.Issue{}, false, err
	}
	if len(candidates) == 0 {
		return beads.Issue{}, false, nil
	}

	for _, c := range candidates {
		if c.HasLabel(labelWorkflow) {
			return c, true, nil
		}
	}
	return candidates[0], true, nil
}

// SourceBeadInfo is the (project, beadId) pair a workflow epic or step
// was created for.
type SourceBeadInfo struct {
	Project string
	BeadID  string
}

// GetSourceBeadInfo recovers {project, beadId} from the issue's own labels
// (an epic carries them directly; a step inherits them too).
func (e *Engine) GetSourceBeadInfo(ctx context.Context, epicOrStepID string) (SourceBeadInfo, error) {
	issue, err := e.store.Show(ctx, epicOrStepID)
	if err != nil {
		return SourceBeadInfo{}, err
	}

	var info SourceBeadInfo
	for _, l := range issue.Labels {
		if after, ok := strings.CutPrefix(l, "project:"); ok {
			info.Project = after
		}
		if after, ok := strings.CutPrefix(l, "source:"); ok {
			info.BeadID = after
		}
	}
	if info.Project == "" || info.BeadID == "" {
		return SourceBeadInfo{}, fmt.Errorf("issue %s is missing project/source labels", epicOrStepID)
	}
	return info, nil
}

// GetWorkflowContext joins the comments on stepID itself, in the order
// the store lists them, into one newline-separated string. Comments on
// the epic's other steps are not read.
func (e *Engine) GetWorkflowContext(ctx context.Context, stepID string) (string, error) {
	comments, err := e.store.ListComments(ctx, stepID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range comments {
		b.WriteString(c.Body)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// GetErroredWorkflows scans for epics carrying blocked:human, used by Doctor.
func (e *Engine) GetErroredWorkflows(ctx context.Context) ([]beads.Issue, error) {
	return e.store.List(ctx, beads.ListFilter{Labels: []string{labelWorkflow, labelBlockedHume}})
}

// GetStepsPendingCI scans for steps carrying a ci:pending label, used by Doctor.
func (e *Engine) GetStepsPendingCI(ctx context.Context) ([]beads.Issue, error) {
	return e.store.List(ctx, beads.ListFilter{Labels: []string{labelStep, labelCI(handoff.CIPending)}})
}

// prNumberFromLabels extracts a pr:<n> label's number, if present.
func prNumberFromLabels(labels []string) (int, bool) {
	for _, l := range labels {
		if after, ok := strings.CutPrefix(l, "pr:"); ok {
			if n, err := strconv.Atoi(after); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
