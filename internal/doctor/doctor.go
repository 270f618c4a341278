// Package doctor runs a set of read-only diagnostic checks against the
// orchestrator and project trackers, the worktree provider, and the
// persisted dispatcher state, never writing to any of them.
package doctor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"whs/internal/beads"
	"whs/internal/log"
	"whs/internal/state"
	"whs/internal/workflow"
	"whs/internal/worktree"
)

// Status is the severity of a single Check's outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one diagnostic result.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ProjectTracker binds a project's name to its issue tracker and worktree
// provider, so Doctor can check every project's daemon and worktrees
// without the dispatcher handing over anything beyond read access.
type ProjectTracker struct {
	Project    string
	Store      beads.Store
	Provider   worktree.Provider
	Repo       worktree.ProjectRef
	BaseBranch string
}

// Dependencies bundles every read-only source Doctor consults.
type Dependencies struct {
	Orchestrator beads.Store
	Projects     []ProjectTracker
	Engine       *workflow.Engine
	State        state.State
	LockPath     string
	GHBinary     string // defaults to "gh"
}

const ghTimeout = 15 * time.Second

// Run executes all seven checks and returns their results in a fixed
// order, each check degrading to a warn/fail rather than returning an
// error: Doctor's contract is that it always produces a report.
func Run(ctx context.Context, deps Dependencies) []Check {
	return []Check{
		checkDaemons(ctx, deps),
		checkDaemonErrors(ctx, deps),
		checkErroredWorkflows(ctx, deps),
		checkBlockedWorkflows(ctx, deps),
		checkPendingCI(ctx, deps),
		checkOrphanedWorktrees(ctx, deps),
		checkStateSanity(deps),
	}
}

func checkDaemons(ctx context.Context, deps Dependencies) Check {
	type daemonState struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		Error   string `json:"error,omitempty"`
	}
	var states []daemonState
	down := 0

	probe := func(name string, store beads.Store) {
		running, err := store.IsDaemonRunning(ctx)
		d := daemonState{Name: name, Running: running}
		if err != nil {
			d.Error = err.Error()
		}
		if !running {
			down++
		}
		states = append(states, d)
	}

	probe("orchestrator", deps.Orchestrator)
	for _, p := range deps.Projects {
		probe(p.Project, p.Store)
	}

	if down > 0 {
		return Check{Name: "tracker_daemons", Status: StatusFail,
			Message: fmt.Sprintf("%d tracker daemon(s) not running", down), Details: states}
	}
	return Check{Name: "tracker_daemons", Status: StatusPass,
		Message: "all tracker daemons running", Details: states}
}

func checkDaemonErrors(ctx context.Context, deps Dependencies) Check {
	type errEntry struct {
		Project string `json:"project"`
		Error   string `json:"error"`
	}
	var errs []errEntry

	ready := func(project string, store beads.Store) {
		if _, err := store.Ready(ctx); err != nil {
			errs = append(errs, errEntry{Project: project, Error: err.Error()})
		}
	}

	ready("orchestrator", deps.Orchestrator)
	for _, p := range deps.Projects {
		ready(p.Project, p.Store)
	}

	if len(errs) > 0 {
		return Check{Name: "daemon_errors", Status: StatusFail,
			Message: fmt.Sprintf("%d tracker(s) reported an error", len(errs)), Details: errs}
	}
	return Check{Name: "daemon_errors", Status: StatusPass, Message: "no daemon errors"}
}

func checkErroredWorkflows(ctx context.Context, deps Dependencies) Check {
	if deps.Engine == nil {
		return Check{Name: "errored_workflows", Status: StatusWarn, Message: "no workflow engine configured"}
	}
	issues, err := deps.Engine.GetErroredWorkflows(ctx)
	if err != nil {
		return Check{Name: "errored_workflows", Status: StatusWarn,
			Message: "could not query errored workflows: " + err.Error()}
	}
	if len(issues) == 0 {
		return Check{Name: "errored_workflows", Status: StatusPass, Message: "no errored workflows"}
	}
	ids := issueIDs(issues)
	return Check{Name: "errored_workflows", Status: StatusFail,
		Message: fmt.Sprintf("%d workflow(s) errored", len(issues)), Details: ids}
}

func checkBlockedWorkflows(ctx context.Context, deps Dependencies) Check {
	if deps.Engine == nil {
		return Check{Name: "blocked_workflows", Status: StatusWarn, Message: "no workflow engine configured"}
	}
	issues, err := deps.Orchestrator.List(ctx, beads.ListFilter{Labels: []string{"blocked:human"}})
	if err != nil {
		return Check{Name: "blocked_workflows", Status: StatusWarn,
			Message: "could not query blocked workflows: " + err.Error()}
	}
	if len(issues) == 0 {
		return Check{Name: "blocked_workflows", Status: StatusPass, Message: "no workflows blocked on a human"}
	}

	type blocked struct {
		ID          string `json:"id"`
		LastComment string `json:"last_comment,omitempty"`
	}
	var entries []blocked
	for _, issue := range issues {
		comments, err := deps.Orchestrator.ListComments(ctx, issue.ID)
		last := ""
		if err == nil && len(comments) > 0 {
			last = comments[len(comments)-1].Body
		}
		entries = append(entries, blocked{ID: issue.ID, LastComment: last})
	}
	return Check{Name: "blocked_workflows", Status: StatusWarn,
		Message: fmt.Sprintf("%d workflow(s) blocked on a human", len(issues)), Details: entries}
}

func checkPendingCI(ctx context.Context, deps Dependencies) Check {
	if deps.Engine == nil {
		return Check{Name: "pending_ci", Status: StatusWarn, Message: "no workflow engine configured"}
	}
	issues, err := deps.Engine.GetStepsPendingCI(ctx)
	if err != nil {
		return Check{Name: "pending_ci", Status: StatusWarn,
			Message: "could not query steps pending CI: " + err.Error()}
	}
	if len(issues) == 0 {
		return Check{Name: "pending_ci", Status: StatusPass, Message: "no steps pending CI"}
	}

	type prState struct {
		ID    string `json:"id"`
		PR    int    `json:"pr,omitempty"`
		State string `json:"state"`
	}
	// Several steps often share the same PR (one epic, multiple review
	// rounds); prCache dedupes the gh shell-outs within this one Run call,
	// the same short-TTL pattern internal/cachemanager/in_memory_manager.go
	// uses to avoid redundant remote lookups for a single request.
	prCache := gocache.New(ghTimeout, ghTimeout)
	var entries []prState
	for _, issue := range issues {
		n, ok := prNumber(issue)
		st := "unknown"
		if ok {
			st = ghPRState(ctx, prCache, deps.GHBinary, n)
		}
		entries = append(entries, prState{ID: issue.ID, PR: n, State: st})
	}
	return Check{Name: "pending_ci", Status: StatusWarn,
		Message: fmt.Sprintf("%d step(s) awaiting CI", len(issues)), Details: entries}
}

func checkOrphanedWorktrees(ctx context.Context, deps Dependencies) Check {
	type orphan struct {
		Project string `json:"project"`
		Branch  string `json:"branch"`
		Path    string `json:"path"`
		// Diff summarizes how a diverged worktree differs from its base
		// branch; empty unless MainState was "diverged" and the summary
		// could be computed.
		Diff string `json:"diff,omitempty"`
	}
	var orphans []orphan

	for _, p := range deps.Projects {
		infos, err := p.Provider.List(ctx, p.Repo)
		if err != nil {
			log.ErrorErr(log.CatDoctor, "failed to list worktrees", err, "project", p.Project)
			continue
		}
		for _, info := range infos {
			if info.IsMain {
				continue
			}
			if hasActiveWorkFor(deps.State, p.Project, info.Branch) {
				continue
			}

			o := orphan{Project: p.Project, Branch: info.Branch, Path: info.Path}
			if info.MainState == worktree.StateDiverged {
				baseBranch := p.BaseBranch
				if baseBranch == "" {
					baseBranch = "main"
				}
				if diff, err := divergedWorktreeDiff(ctx, info.Path, baseBranch); err != nil {
					log.Debug(log.CatDoctor, "could not summarize worktree divergence", "path", info.Path, "error", err.Error())
				} else {
					o.Diff = diff
				}
			}
			orphans = append(orphans, o)
		}
	}

	if len(orphans) == 0 {
		return Check{Name: "orphaned_worktrees", Status: StatusPass, Message: "no orphaned worktrees"}
	}
	return Check{Name: "orphaned_worktrees", Status: StatusWarn,
		Message: fmt.Sprintf("%d worktree(s) with no active workflow", len(orphans)), Details: orphans}
}

func checkStateSanity(deps Dependencies) Check {
	var problems []string

	if deps.State.Paused {
		problems = append(problems, "dispatcher is paused")
	}

	lockDead := false
	if deps.LockPath != "" {
		if lock, ok := state.ReadLock(deps.LockPath); ok && !state.ProcessAlive(lock.PID) {
			lockDead = true
			problems = append(problems, fmt.Sprintf("lock file references dead pid %d", lock.PID))
		}
	}

	if lockDead {
		for id, work := range deps.State.ActiveWork {
			problems = append(problems, fmt.Sprintf("active work %s (%s) has no live dispatcher", id, work.SourceID))
		}
	}

	// Pending questions are never a problem on their own (an operator
	// answering them is the normal path), but `whs answer` needs the
	// question id, so the check always reports the ones it knows about.
	pending := pendingQuestionIDs(deps.State)

	if len(problems) == 0 {
		if len(pending) == 0 {
			return Check{Name: "state_sanity", Status: StatusPass, Message: "persisted state looks sane"}
		}
		return Check{Name: "state_sanity", Status: StatusPass,
			Message: fmt.Sprintf("%d question(s) awaiting `whs answer`", len(pending)), Details: pending}
	}
	return Check{Name: "state_sanity", Status: StatusWarn,
		Message: strings.Join(problems, "; "), Details: append(problems, pending...)}
}

// pendingQuestionIDs lists the question ids awaiting an operator answer, in
// the form `whs answer` expects on its command line.
func pendingQuestionIDs(s state.State) []string {
	ids := make([]string, 0, len(s.PendingQuestions))
	for _, q := range s.PendingQuestions {
		ids = append(ids, q.QuestionID)
	}
	sort.Strings(ids)
	return ids
}

func hasActiveWorkFor(s state.State, project, branch string) bool {
	for _, w := range s.ActiveWork {
		if w.Project == project && (w.SourceID == branch || w.StepID == branch || w.EpicID == branch) {
			return true
		}
	}
	return false
}

func issueIDs(issues []beads.Issue) []string {
	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = issue.ID
	}
	return ids
}

func prNumber(issue beads.Issue) (int, bool) {
	for _, label := range issue.Labels {
		if after, ok := strings.CutPrefix(label, "pr:"); ok {
			if n, err := strconv.Atoi(after); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
