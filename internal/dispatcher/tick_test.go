package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whs/internal/agent"
	"whs/internal/beads"
	"whs/internal/handoff"
	"whs/internal/metrics"
	"whs/internal/state"
)

func newProject(t *testing.T, name string) (ProjectHandle, *fakeStore, *fakeProvider) {
	t.Helper()
	store := newFakeStore()
	provider := newFakeProvider()
	return ProjectHandle{
		Config:   ProjectConfig{Name: name, RepoPath: "/repos/" + name, BaseBranch: "main"},
		Store:    store,
		Provider: provider,
	}, store, provider
}

func waitForCalls(t *testing.T, runner *agent.FakeRunner, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(runner.Calls()) >= n
	}, time.Second, 5*time.Millisecond)
}

func TestStartNewWorkPicksHighestPriorityAcrossProjects(t *testing.T) {
	runner := agent.NewFakeRunner(
		agent.RunResult{Success: true, Output: "next_agent: DONE\ncontext: done"},
	)

	projA, storeA, _ := newProject(t, "alpha")
	storeA.addIssue(beads.Issue{ID: "a-1", Status: beads.StatusOpen, Priority: beads.PriorityLow})

	projB, storeB, _ := newProject(t, "beta")
	storeB.addIssue(beads.Issue{ID: "b-1", Status: beads.StatusOpen, Priority: beads.PriorityCritical})

	d := New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: newFakeStore(),
		Projects:     []ProjectHandle{projA, projB},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		Notifier:     newRecordingNotifier(),
		State:        state.New(),
	})

	d.ctx = context.Background()
	d.startNewWork(context.Background())
	waitForCalls(t, runner, 1)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, string(handoff.AgentImplementation))
	assert.Equal(t, "/tmp/wt-b-1", calls[0].Cwd, "the critical-priority issue from beta should be picked")
}

func TestStartNewWorkSkipsSourceWithExistingWorkflow(t *testing.T) {
	runner := agent.NewFakeRunner()
	proj, store, _ := newProject(t, "alpha")
	store.addIssue(beads.Issue{ID: "a-1", Status: beads.StatusOpen, Priority: beads.PriorityHigh})

	orch := newFakeStore()
	orch.addIssue(beads.Issue{
		ID:     "epic-1",
		Status: beads.StatusOpen,
		Labels: []string{"whs:workflow", "project:alpha", "source:a-1"},
	})

	d := New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: orch,
		Projects:     []ProjectHandle{proj},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		State:        state.New(),
	})
	d.ctx = context.Background()

	d.startNewWork(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, runner.Calls())
}

func TestStartNewWorkRespectsMaxTotal(t *testing.T) {
	runner := agent.NewFakeRunner()
	proj, store, _ := newProject(t, "alpha")
	store.addIssue(beads.Issue{ID: "a-1", Status: beads.StatusOpen, Priority: beads.PriorityHigh})

	d := New(Config{Concurrency: Concurrency{MaxTotal: 1, MaxPerProject: 2}}, Deps{
		Orchestrator: newFakeStore(),
		Projects:     []ProjectHandle{proj},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		State: state.State{
			ActiveWork: map[string]state.ActiveWork{
				"other-epic": {Project: "alpha", SourceID: "zzz"},
			},
			PendingQuestions:  map[string]state.PendingQuestion{},
			AnsweredQuestions: map[string]state.AnsweredQuestion{},
		},
	})
	d.ctx = context.Background()

	d.startNewWork(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, runner.Calls())
}

func TestDispatchReadyStepsSkipsAlreadyRunningEpic(t *testing.T) {
	runner := agent.NewFakeRunner()
	proj, orch, _ := newProject(t, "alpha")

	epic, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "workflow", Type: beads.TypeEpic,
		Labels: []string{"whs:workflow", "project:alpha", "source:a-1"},
	})
	step, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "step", Type: beads.TypeTask, Parent: epic.ID,
		Labels: []string{"whs:step", "project:alpha", "source:a-1", "agent:implementation"},
	})
	_ = step

	d := New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: orch,
		Projects:     []ProjectHandle{proj},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		State:        state.New(),
	})
	d.ctx = context.Background()
	d.trackLaunch(epic.ID, &launch{epicID: epic.ID})

	d.dispatchReadySteps(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, runner.Calls())
}

func TestDispatchReadyStepsLaunchesReadyStep(t *testing.T) {
	runner := agent.NewFakeRunner(
		agent.RunResult{Success: true, Output: "next_agent: DONE\ncontext: done"},
	)
	proj, orch, _ := newProject(t, "alpha")

	epic, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "workflow", Type: beads.TypeEpic,
		Labels: []string{"whs:workflow", "project:alpha", "source:a-1"},
	})
	orch.Create(context.Background(), beads.CreateRequest{
		Title: "step", Type: beads.TypeTask, Parent: epic.ID,
		Labels: []string{"whs:step", "project:alpha", "source:a-1", "agent:implementation"},
	})

	d := New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: orch,
		Projects:     []ProjectHandle{proj},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		Notifier:     newRecordingNotifier(),
		State:        state.New(),
	})
	d.ctx = context.Background()

	d.dispatchReadySteps(context.Background())
	waitForCalls(t, runner, 1)
}

func TestDaemonHealthCheckRestartsDownDaemon(t *testing.T) {
	proj, store, _ := newProject(t, "alpha")
	store.daemonUp = false

	d := New(Config{}, Deps{
		Orchestrator: newFakeStore(),
		Projects:     []ProjectHandle{proj},
		Runner:       agent.NewFakeRunner(),
		State:        state.New(),
	})

	d.daemonHealthCheck(context.Background())
	up, err := store.IsDaemonRunning(context.Background())
	require.NoError(t, err)
	assert.True(t, up)
}

func TestProcessAnsweredQuestionsResumesSession(t *testing.T) {
	runner := agent.NewFakeRunner(
		agent.RunResult{Success: true, Output: "next_agent: DONE\ncontext: done", SessionID: "sess-1"},
	)
	proj, orch, _ := newProject(t, "alpha")

	epic, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "workflow", Type: beads.TypeEpic,
		Labels: []string{"whs:workflow", "project:alpha", "source:a-1"},
	})
	step, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "step", Type: beads.TypeTask, Parent: epic.ID,
		Labels: []string{"whs:step", "project:alpha", "source:a-1", "agent:implementation"},
	})
	question, _ := orch.Create(context.Background(), beads.CreateRequest{
		Title: "question", Type: beads.TypeQuestion, Parent: step.ID,
		Labels: []string{beads.QuestionLabel},
	})

	d := New(Config{Concurrency: Concurrency{MaxTotal: 4, MaxPerProject: 2}}, Deps{
		Orchestrator: orch,
		Projects:     []ProjectHandle{proj},
		Runner:       runner,
		Metrics:      metrics.NewFakeStore(),
		Notifier:     newRecordingNotifier(),
		State: state.State{
			ActiveWork:       map[string]state.ActiveWork{},
			PendingQuestions: map[string]state.PendingQuestion{question.ID: {WorkItemID: step.ID, QuestionID: question.ID, SessionID: "sess-1"}},
			AnsweredQuestions: map[string]state.AnsweredQuestion{
				question.ID: {WorkItemID: step.ID, QuestionID: question.ID, Answer: "go ahead"},
			},
		},
	})
	d.ctx = context.Background()

	d.processAnsweredQuestions(context.Background())
	waitForCalls(t, runner, 0)
	require.Eventually(t, func() bool {
		return len(runner.Resumes()) == 1
	}, time.Second, 5*time.Millisecond)

	resumes := runner.Resumes()
	assert.Equal(t, "sess-1", resumes[0].SessionID)
	assert.Equal(t, "go ahead", resumes[0].Answer)

	snap := d.snapshotState()
	assert.Empty(t, snap.PendingQuestions)
	assert.Empty(t, snap.AnsweredQuestions)

	assert.Contains(t, orch.answered, question.ID, "question issue should be closed via AnswerQuestion")
	closedQuestion, err := orch.Show(context.Background(), question.ID)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, closedQuestion.Status)
}
