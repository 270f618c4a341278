package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whs/internal/agent"
	"whs/internal/beads"
	"whs/internal/handoff"
	"whs/internal/metrics"
	"whs/internal/state"
	"whs/internal/workflow"
)

func setupWorkflow(t *testing.T, orch *fakeStore, agentName handoff.NextAgent) (epicID, stepID string) {
	t.Helper()
	epic, err := orch.Create(context.Background(), beads.CreateRequest{
		Title: "workflow", Type: beads.TypeEpic,
		Labels: []string{"whs:workflow", "project:alpha", "source:a-1"},
	})
	require.NoError(t, err)
	step, err := orch.Create(context.Background(), beads.CreateRequest{
		Title: "step", Type: beads.TypeTask, Parent: epic.ID,
		Labels: []string{"whs:step", "project:alpha", "source:a-1", "agent:" + string(agentName)},
	})
	require.NoError(t, err)
	return epic.ID, step.ID
}

func newHandleResultDispatcher(t *testing.T, orch *fakeStore, proj ProjectHandle, notify *recordingNotifier) *Dispatcher {
	t.Helper()
	return New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: orch,
		Projects:     []ProjectHandle{proj},
		Runner:       agent.NewFakeRunner(),
		Metrics:      metrics.NewFakeStore(),
		Notifier:     notify,
		State:        state.New(),
	})
}

func TestHandleResultAuthErrorBlocksAndNotifies(t *testing.T) {
	proj, orch, _ := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	result := agent.RunResult{IsAuthError: true, Err: errors.New("invalid api key")}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	epic, err := orch.Show(context.Background(), epicID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel("blocked:human"))
	require.Len(t, notify.errs, 1)
}

func TestHandleResultRateLimitedPausesDispatcher(t *testing.T) {
	proj, orch, _ := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	result := agent.RunResult{IsRateLimited: true, Err: errors.New("rate limited")}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	assert.True(t, d.Paused())
	require.Len(t, notify.rateLimits, 1)
}

func TestHandleResultPendingQuestionRecordsAndNotifies(t *testing.T) {
	proj, orch, _ := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	d.mutateState(func(s state.State) state.State {
		return state.WithActiveWork(s, epicID, state.ActiveWork{Project: "alpha", SourceID: "a-1", EpicID: epicID, StepID: stepID})
	})

	result := agent.RunResult{PendingQuestion: "should I use postgres or sqlite?", SessionID: "sess-1"}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	snap := d.snapshotState()
	assert.Empty(t, snap.ActiveWork)
	require.Len(t, snap.PendingQuestions, 1)
	require.Len(t, notify.questions, 1)
	assert.Equal(t, "sess-1", notify.questions[0].SessionID)

	var pending state.PendingQuestion
	for _, p := range snap.PendingQuestions {
		pending = p
	}
	question, err := orch.Show(context.Background(), pending.QuestionID)
	require.NoError(t, err)
	assert.Equal(t, stepID, question.Parent, "question issue should be a child of the step")

	step, err := orch.Show(context.Background(), stepID)
	require.NoError(t, err)
	assert.Contains(t, step.Dependencies, pending.QuestionID, "step should depend on its own question")
}

func TestHandleResultUnresolvableHandoffFallsBackToBlocked(t *testing.T) {
	proj, orch, _ := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	// No handoff file, no parseable text, no session to resume: every
	// tier misses and handoff.Resolve falls back to BLOCKED itself.
	result := agent.RunResult{Success: true, Output: "no recognizable handoff here"}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	epic, err := orch.Show(context.Background(), epicID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel("blocked:human"))
	require.Len(t, notify.completes, 1)
	assert.Equal(t, "blocked", notify.completes[0])
}

func TestHandleResultDoneCompletesWorkflow(t *testing.T) {
	proj, orch, provider := newProject(t, "alpha")
	orch.addIssue(beads.Issue{ID: "a-1", Status: beads.StatusOpen})
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	result := agent.RunResult{Success: true, Output: "next_agent: DONE\ncontext: all done"}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	epic, err := orch.Show(context.Background(), epicID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.False(t, epic.HasLabel("blocked:human"))

	source, err := orch.Show(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, source.Status)

	assert.Contains(t, provider.removed, "a-1")
	require.Len(t, notify.completes, 1)
	assert.Equal(t, "done", notify.completes[0])
}

func TestHandleResultBlockedMarksWorkflowBlocked(t *testing.T) {
	proj, orch, provider := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	result := agent.RunResult{Success: true, Output: "next_agent: BLOCKED\ncontext: needs human input on credentials"}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	epic, err := orch.Show(context.Background(), epicID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, epic.Status)
	assert.True(t, epic.HasLabel("blocked:human"))
	assert.Empty(t, provider.removed)
	require.Len(t, notify.completes, 1)
	assert.Equal(t, "blocked", notify.completes[0])
}

func TestHandleResultContinuesToNextAgent(t *testing.T) {
	proj, orch, _ := newProject(t, "alpha")
	notify := newRecordingNotifier()
	d := newHandleResultDispatcher(t, orch, proj, notify)

	epicID, stepID := setupWorkflow(t, orch, handoff.AgentImplementation)
	args := runStepArgs{epicID: epicID, stepID: stepID, sourceID: "a-1", project: "alpha", agent: handoff.AgentImplementation}

	result := agent.RunResult{Success: true, Output: "next_agent: quality_review\ncontext: implementation done, please review"}
	require.NoError(t, d.handleResult(context.Background(), proj, epicID, args, t.TempDir(), result))

	step, err := orch.Show(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, step.Status)

	steps, err := orch.List(context.Background(), beads.ListFilter{Labels: []string{"whs:step"}})
	require.NoError(t, err)
	var next *beads.Issue
	for i := range steps {
		if steps[i].ID != stepID {
			next = &steps[i]
		}
	}
	require.NotNil(t, next)
	agentName, ok := workflow.StepAgent(*next)
	require.True(t, ok)
	assert.Equal(t, handoff.AgentQualityReview, agentName)

	assert.True(t, next.HasLabel("project:alpha"))
	assert.True(t, next.HasLabel("source:a-1"))

	snap := d.snapshotState()
	assert.Empty(t, snap.ActiveWork)
	require.Len(t, notify.progress, 1)
}
