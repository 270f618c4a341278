package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"whs/internal/beads"
	"whs/internal/notifier"
	"whs/internal/state"
	"whs/internal/worktree"
)

// fakeStore is an in-memory beads.Store, one per tracker (orchestrator or
// project), grounded on the same test-double shape as internal/doctor and
// internal/workflow's own fakeStore.
type fakeStore struct {
	mu sync.Mutex

	nextID    int
	issues    map[string]*beads.Issue
	comments  map[string][]beads.Comment
	daemonUp  bool
	readyErr  error
	questions int
	answered  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		issues:   make(map[string]*beads.Issue),
		comments: make(map[string][]beads.Comment),
		daemonUp: true,
	}
}

func (f *fakeStore) Ready(ctx context.Context) ([]beads.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyErr != nil {
		return nil, f.readyErr
	}
	closed := func(id string) bool {
		issue, ok := f.issues[id]
		return ok && issue.Status == beads.StatusClosed
	}
	var out []beads.Issue
	for _, issue := range f.issues {
		if issue.Ready(closed) {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func (f *fakeStore) List(ctx context.Context, filter beads.ListFilter) ([]beads.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []beads.Issue
	for _, issue := range f.issues {
		if matchesAll(*issue, filter) {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func matchesAll(issue beads.Issue, filter beads.ListFilter) bool {
	for _, l := range filter.Labels {
		if !issue.HasLabel(l) {
			return false
		}
	}
	if filter.Type != "" && issue.Type != filter.Type {
		return false
	}
	if len(filter.Status) > 0 {
		found := false
		for _, s := range filter.Status {
			if issue.Status == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeStore) Show(ctx context.Context, id string) (beads.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[id]
	if !ok {
		return beads.Issue{}, fmt.Errorf("issue %s not found", id)
	}
	return *issue, nil
}

func (f *fakeStore) Create(ctx context.Context, req beads.CreateRequest) (beads.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	issue := beads.Issue{
		ID:           fmt.Sprintf("bd-%d", f.nextID),
		Title:        req.Title,
		Description:  req.Description,
		Type:         req.Type,
		Priority:     req.Priority,
		Labels:       append([]string(nil), req.Labels...),
		Parent:       req.Parent,
		Status:       beads.StatusOpen,
		Dependencies: append([]string(nil), req.Dependencies...),
	}
	f.issues[issue.ID] = &issue
	return issue, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue %s not found", id)
	}
	if status, ok := fields["status"]; ok {
		issue.Status = beads.Status(fmt.Sprint(status))
	}
	if label, ok := fields["add_label"]; ok {
		issue.Labels = append(issue.Labels, fmt.Sprint(label))
	}
	return nil
}

func (f *fakeStore) Close(ctx context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue %s not found", id)
	}
	issue.Status = beads.StatusClosed
	f.comments[id] = append(f.comments[id], beads.Comment{Body: reason})
	return nil
}

func (f *fakeStore) Comment(ctx context.Context, id string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[id] = append(f.comments[id], beads.Comment{Body: body})
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, id string) ([]beads.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[id], nil
}

func (f *fakeStore) DepAdd(ctx context.Context, id string, blockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue %s not found", id)
	}
	issue.Dependencies = append(issue.Dependencies, blockerID)
	return nil
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }

func (f *fakeStore) IsDaemonRunning(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.daemonUp, nil
}

func (f *fakeStore) EnsureDaemonWithSyncBranch(ctx context.Context, syncBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daemonUp = true
	return nil
}

func (f *fakeStore) ListPendingQuestions(ctx context.Context) ([]beads.Issue, error) {
	return nil, nil
}

func (f *fakeStore) CreateQuestion(ctx context.Context, req beads.QuestionRequest) (beads.Issue, error) {
	f.mu.Lock()
	f.questions++
	f.mu.Unlock()
	return f.Create(ctx, beads.CreateRequest{
		Title:       req.Title,
		Description: req.Body,
		Type:        beads.TypeTask,
		Parent:      req.ForIssue,
	})
}

func (f *fakeStore) AnswerQuestion(ctx context.Context, id string, answer string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	_ = f.Comment(ctx, id, answer)
	return f.Close(ctx, id, "answered")
}

// addIssue seeds the store directly, bypassing Create's id allocation, so
// tests can control issue ids.
func (f *fakeStore) addIssue(issue beads.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue.Status == "" {
		issue.Status = beads.StatusOpen
	}
	cp := issue
	f.issues[issue.ID] = &cp
}

var _ beads.Store = (*fakeStore)(nil)

// fakeProvider is an in-memory worktree.Provider.
type fakeProvider struct {
	mu       sync.Mutex
	ensured  []string
	removed  []string
	infos    []worktree.Info
	ensureFn func(sourceID string) (string, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

func (f *fakeProvider) Ensure(ctx context.Context, project worktree.ProjectRef, sourceID string, opts worktree.EnsureOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, sourceID)
	if f.ensureFn != nil {
		return f.ensureFn(sourceID)
	}
	return "/tmp/wt-" + sourceID, nil
}

func (f *fakeProvider) List(ctx context.Context, project worktree.ProjectRef) ([]worktree.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos, nil
}

func (f *fakeProvider) Remove(ctx context.Context, project worktree.ProjectRef, branch string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, branch)
	return nil
}

var _ worktree.Provider = (*fakeProvider)(nil)

// recordingNotifier records every call it receives, local to this test
// package since internal/notifier's own recordingNotifier is unexported.
type recordingNotifier struct {
	mu         sync.Mutex
	progress   []string
	questions  []state.PendingQuestion
	completes  []string
	errs       []error
	rateLimits []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{}
}

func (n *recordingNotifier) NotifyProgress(ctx context.Context, item notifier.WorkItem, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, message)
	return nil
}

func (n *recordingNotifier) NotifyQuestion(ctx context.Context, item notifier.WorkItem, question state.PendingQuestion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.questions = append(n.questions, question)
	return nil
}

func (n *recordingNotifier) NotifyComplete(ctx context.Context, item notifier.WorkItem, outcome string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completes = append(n.completes, outcome)
	return nil
}

func (n *recordingNotifier) NotifyError(ctx context.Context, item notifier.WorkItem, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
	return nil
}

func (n *recordingNotifier) NotifyRateLimit(ctx context.Context, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rateLimits = append(n.rateLimits, reason)
	return nil
}

var _ notifier.Notifier = (*recordingNotifier)(nil)
