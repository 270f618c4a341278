package workflow

import (
	"context"
	"fmt"
	"time"

	"whs/internal/beads"
)

// fakeStore is a minimal in-memory beads.Store for exercising Engine
// without shelling out to bd.
type fakeStore struct {
	issues   map[string]*beads.Issue
	comments map[string][]beads.Comment
	counter  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		issues:   make(map[string]*beads.Issue),
		comments: make(map[string][]beads.Comment),
	}
}

var _ beads.Store = (*fakeStore)(nil)

func (f *fakeStore) nextID() string {
	f.counter++
	return fmt.Sprintf("whs-%d", f.counter)
}

func (f *fakeStore) Ready(ctx context.Context) ([]beads.Issue, error) {
	var out []beads.Issue
	for _, issue := range f.issues {
		closed := func(id string) bool {
			dep, ok := f.issues[id]
			return ok && (dep.Status == beads.StatusClosed || dep.Status == beads.StatusTombstone)
		}
		if issue.Ready(closed) {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func (f *fakeStore) List(ctx context.Context, filter beads.ListFilter) ([]beads.Issue, error) {
	var out []beads.Issue
	for _, issue := range f.issues {
		if !hasAllLabels(issue.Labels, filter.Labels) {
			continue
		}
		out = append(out, *issue)
	}
	return out, nil
}

func hasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func (f *fakeStore) Show(ctx context.Context, id string) (beads.Issue, error) {
	issue, ok := f.issues[id]
	if !ok {
		return beads.Issue{}, fmt.Errorf("no such issue %s", id)
	}
	return *issue, nil
}

func (f *fakeStore) Create(ctx context.Context, req beads.CreateRequest) (beads.Issue, error) {
	issue := beads.Issue{
		ID:           f.nextID(),
		Title:        req.Title,
		Description:  req.Description,
		Type:         req.Type,
		Status:       beads.StatusOpen,
		Priority:     req.Priority,
		Labels:       append([]string(nil), req.Labels...),
		Parent:       req.Parent,
		Dependencies: append([]string(nil), req.Dependencies...),
		CreatedAt:    time.Now().Add(time.Duration(f.counter) * time.Second),
	}
	f.issues[issue.ID] = &issue
	return issue, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, fields map[string]any) error {
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("no such issue %s", id)
	}
	if status, ok := fields["status"]; ok {
		issue.Status = beads.Status(fmt.Sprintf("%v", status))
	}
	if label, ok := fields["add_label"]; ok {
		issue.Labels = append(issue.Labels, fmt.Sprintf("%v", label))
	}
	return nil
}

func (f *fakeStore) Close(ctx context.Context, id string, reason string) error {
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("no such issue %s", id)
	}
	issue.Status = beads.StatusClosed
	return nil
}

func (f *fakeStore) Comment(ctx context.Context, id string, body string) error {
	f.comments[id] = append(f.comments[id], beads.Comment{Body: body, CreatedAt: time.Now()})
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, id string) ([]beads.Comment, error) {
	return f.comments[id], nil
}

func (f *fakeStore) DepAdd(ctx context.Context, id string, blockerID string) error {
	issue, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("no such issue %s", id)
	}
	issue.Dependencies = append(issue.Dependencies, blockerID)
	return nil
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }

func (f *fakeStore) IsDaemonRunning(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeStore) EnsureDaemonWithSyncBranch(ctx context.Context, syncBranch string) error {
	return nil
}

func (f *fakeStore) ListPendingQuestions(ctx context.Context) ([]beads.Issue, error) {
	return nil, nil
}

func (f *fakeStore) CreateQuestion(ctx context.Context, req beads.QuestionRequest) (beads.Issue, error) {
	return f.Create(ctx, beads.CreateRequest{Title: req.Title, Description: req.Body, Type: beads.TypeQuestion, Labels: []string{beads.QuestionLabel}})
}

func (f *fakeStore) AnswerQuestion(ctx context.Context, id string, answer string) error {
	return f.Close(ctx, id, "answered")
}
