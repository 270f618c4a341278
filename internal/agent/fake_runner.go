package agent

import (
	"context"
	"fmt"
	"sync"
)

// FakeRunner replays scripted RunResults in order, one per Run or
// ResumeWithAnswer call, for use in the rest of the test suite without
// shelling out to a real agent CLI.
type FakeRunner struct {
	mu        sync.Mutex
	responses []RunResult
	calls     []RunRequest
	resumes   []ResumedCall
	aborted   bool
}

// ResumedCall records one ResumeWithAnswer invocation for assertions.
type ResumedCall struct {
	SessionID string
	Answer    string
}

var _ Runner = (*FakeRunner)(nil)

// NewFakeRunner returns a FakeRunner that yields responses in order.
func NewFakeRunner(responses ...RunResult) *FakeRunner {
	return &FakeRunner{responses: responses}
}

func (f *FakeRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.next()
}

func (f *FakeRunner) ResumeWithAnswer(ctx context.Context, sessionID string, answer string, opts RunOptions) (RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, ResumedCall{SessionID: sessionID, Answer: answer})
	return f.next()
}

func (f *FakeRunner) next() (RunResult, error) {
	if len(f.responses) == 0 {
		return RunResult{}, fmt.Errorf("fake runner: no more scripted responses")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, resp.Err
}

func (f *FakeRunner) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
}

// Aborted reports whether Abort has been called.
func (f *FakeRunner) Aborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// Calls returns every Run request received, for assertions.
func (f *FakeRunner) Calls() []RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunRequest(nil), f.calls...)
}

// Resumes returns every ResumeWithAnswer call received, for assertions.
func (f *FakeRunner) Resumes() []ResumedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ResumedCall(nil), f.resumes...)
}
