package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"whs/internal/log"
)

// CommandError wraps a failed `bd` invocation with enough detail to log
// and to surface to an operator: command, args, stderr, and exit code all
// travel together.
type CommandError struct {
	Command  string
	Args     []string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v (exit %d): %s", e.Command, strings.Join(e.Args, " "), e.Err, e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Store is the narrow interface the rest of WHS uses to talk to an issue
// tracker, whether that's the per-project tracker or the orchestrator's
// own. Every implementation is expected to be safe for concurrent use by
// a single dispatcher goroutine group; bd itself serializes writes.
type Store interface {
	Ready(ctx context.Context) ([]Issue, error)
	List(ctx context.Context, filter ListFilter) ([]Issue, error)
	Show(ctx context.Context, id string) (Issue, error)
	Create(ctx context.Context, req CreateRequest) (Issue, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Close(ctx context.Context, id string, reason string) error
	Comment(ctx context.Context, id string, body string) error
	ListComments(ctx context.Context, id string) ([]Comment, error)
	DepAdd(ctx context.Context, id string, blockerID string) error
	Init(ctx context.Context) error
	IsDaemonRunning(ctx context.Context) (bool, error)
	EnsureDaemonWithSyncBranch(ctx context.Context, syncBranch string) error

	ListPendingQuestions(ctx context.Context) ([]Issue, error)
	CreateQuestion(ctx context.Context, req QuestionRequest) (Issue, error)
	AnswerQuestion(ctx context.Context, id string, answer string) error
}

// ListFilter narrows List to a status/label/type subset.
type ListFilter struct {
	Status []Status
	Labels []string
	Type   IssueType
}

// CreateRequest is the set of fields `bd create` accepts.
type CreateRequest struct {
	Title        string
	Description  string
	Type         IssueType
	Priority     Priority
	Labels       []string
	Parent       string
	Dependencies []string
}

// RealStore wraps the `bd` CLI, scoped to a single tracker directory. One
// RealStore instance serves one tracker: either a project's or the
// orchestrator's, per SPEC_FULL §4.1's "one adapter, N trackers" design.
type RealStore struct {
	binary string
	dir    string
}

var _ Store = (*RealStore)(nil)

// NewRealStore returns a Store bound to the tracker rooted at dir.
// binary defaults to "bd" when empty.
func NewRealStore(binary, dir string) *RealStore {
	if binary == "" {
		binary = "bd"
	}
	return &RealStore{binary: binary, dir: dir}
}

func (s *RealStore) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = s.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug(log.CatBeads, "running bd command", "args", strings.Join(args, " "), "dir", s.dir)

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		cmdErr := &CommandError{
			Command:  s.binary,
			Args:     args,
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
		log.ErrorErr(log.CatBeads, "bd command failed", cmdErr, "args", strings.Join(args, " "))
		return nil, cmdErr
	}

	return stdout.Bytes(), nil
}

func (s *RealStore) runJSON(ctx context.Context, out any, args ...string) error {
	data, err := s.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing bd output for %q: %w", strings.Join(args, " "), err)
	}
	return nil
}

// Ready returns issues whose status and dependencies make them eligible
// for dispatch.
func (s *RealStore) Ready(ctx context.Context) ([]Issue, error) {
	var wire []issueWire
	if err := s.runJSON(ctx, &wire, "ready", "--json"); err != nil {
		return nil, err
	}
	return toIssues(wire), nil
}

func (s *RealStore) List(ctx context.Context, filter ListFilter) ([]Issue, error) {
	args := []string{"list", "--json"}
	for _, st := range filter.Status {
		args = append(args, "--status", string(st))
	}
	for _, l := range filter.Labels {
		args = append(args, "--label", l)
	}
	if filter.Type != "" {
		args = append(args, "--type", string(filter.Type))
	}

	var wire []issueWire
	if err := s.runJSON(ctx, &wire, args...); err != nil {
		return nil, err
	}
	return toIssues(wire), nil
}

func (s *RealStore) Show(ctx context.Context, id string) (Issue, error) {
	var wire issueWire
	if err := s.runJSON(ctx, &wire, "show", id, "--json"); err != nil {
		return Issue{}, err
	}
	return wire.toIssue(), nil
}

func (s *RealStore) Create(ctx context.Context, req CreateRequest) (Issue, error) {
	args := []string{"create", req.Title, "--json"}
	if req.Description != "" {
		args = append(args, "--description", req.Description)
	}
	if req.Type != "" {
		args = append(args, "--type", string(req.Type))
	}
	args = append(args, "--priority", strconv.Itoa(int(req.Priority)))
	for _, l := range req.Labels {
		args = append(args, "--label", l)
	}
	if req.Parent != "" {
		args = append(args, "--parent", req.Parent)
	}
	for _, dep := range req.Dependencies {
		args = append(args, "--depends-on", dep)
	}

	var wire issueWire
	if err := s.runJSON(ctx, &wire, args...); err != nil {
		return Issue{}, err
	}
	created := wire.toIssue()

	for _, dep := range req.Dependencies {
		if err := s.DepAdd(ctx, created.ID, dep); err != nil {
			log.Warn(log.CatBeads, "failed to record dependency after create", "issue", created.ID, "blocker", dep, "error", err.Error())
		}
	}
	return created, nil
}

func (s *RealStore) Update(ctx context.Context, id string, fields map[string]any) error {
	args := []string{"update", id}
	for k, v := range fields {
		args = append(args, "--"+strings.ReplaceAll(k, "_", "-"), fmt.Sprintf("%v", v))
	}
	_, err := s.run(ctx, args...)
	return err
}

func (s *RealStore) Close(ctx context.Context, id string, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := s.run(ctx, args...)
	return err
}

func (s *RealStore) Comment(ctx context.Context, id string, body string) error {
	_, err := s.run(ctx, "comment", id, body)
	return err
}

func (s *RealStore) ListComments(ctx context.Context, id string) ([]Comment, error) {
	var comments []Comment
	if err := s.runJSON(ctx, &comments, "comments", id, "--json"); err != nil {
		return nil, err
	}
	return comments, nil
}

func (s *RealStore) DepAdd(ctx context.Context, id string, blockerID string) error {
	_, err := s.run(ctx, "dep", "add", id, blockerID)
	return err
}

func (s *RealStore) Init(ctx context.Context) error {
	_, err := s.run(ctx, "init")
	return err
}

func (s *RealStore) IsDaemonRunning(ctx context.Context) (bool, error) {
	_, err := s.run(ctx, "daemon", "status")
	if err != nil {
		var cmdErr *CommandError
		if asErr, ok := err.(*CommandError); ok {
			cmdErr = asErr
		}
		if cmdErr != nil && cmdErr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *RealStore) EnsureDaemonWithSyncBranch(ctx context.Context, syncBranch string) error {
	running, err := s.IsDaemonRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	args := []string{"daemon", "start"}
	if syncBranch != "" {
		args = append(args, "--sync-branch", syncBranch)
	}
	_, err = s.run(ctx, args...)
	return err
}

func toIssues(wire []issueWire) []Issue {
	issues := make([]Issue, 0, len(wire))
	for _, w := range wire {
		issues = append(issues, w.toIssue())
	}
	return issues
}
