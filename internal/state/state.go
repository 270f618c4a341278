// Package state holds the dispatcher's single persisted record: paused
// flag, active work, and pending/answered questions. Every mutation is a
// pure function returning a new State; callers are responsible for
// writing the result atomically.
package state

import "time"

// ActiveWork tracks one in-flight workflow launch.
type ActiveWork struct {
	Project   string    `json:"project"`
	SourceID  string    `json:"source_id"`
	EpicID    string    `json:"epic_id"`
	StepID    string    `json:"step_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// PendingQuestion records a question an agent raised that's awaiting an answer.
type PendingQuestion struct {
	WorkItemID string    `json:"work_item_id"`
	QuestionID string    `json:"question_id"`
	SessionID  string    `json:"session_id"`
	AskedAt    time.Time `json:"asked_at"`
}

// AnsweredQuestion records an answer queued for the dispatcher to act on.
type AnsweredQuestion struct {
	WorkItemID string    `json:"work_item_id"`
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// State is the dispatcher's full persisted record.
type State struct {
	Paused            bool                        `json:"paused"`
	ActiveWork        map[string]ActiveWork       `json:"active_work"`
	PendingQuestions  map[string]PendingQuestion  `json:"pending_questions"`
	AnsweredQuestions map[string]AnsweredQuestion `json:"answered_questions"`
	LastUpdated       time.Time                   `json:"last_updated"`
}

// New returns an empty, ready-to-use State.
func New() State {
	return State{
		ActiveWork:        make(map[string]ActiveWork),
		PendingQuestions:  make(map[string]PendingQuestion),
		AnsweredQuestions: make(map[string]AnsweredQuestion),
		LastUpdated:       time.Time{},
	}
}

// clone makes a shallow copy of s with freshly allocated maps, so callers
// never observe a mutation to a State they still hold a reference to.
func (s State) clone() State {
	next := s
	next.ActiveWork = copyActiveWork(s.ActiveWork)
	next.PendingQuestions = copyPendingQuestions(s.PendingQuestions)
	next.AnsweredQuestions = copyAnsweredQuestions(s.AnsweredQuestions)
	return next
}

func copyActiveWork(m map[string]ActiveWork) map[string]ActiveWork {
	out := make(map[string]ActiveWork, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPendingQuestions(m map[string]PendingQuestion) map[string]PendingQuestion {
	out := make(map[string]PendingQuestion, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnsweredQuestions(m map[string]AnsweredQuestion) map[string]AnsweredQuestion {
	out := make(map[string]AnsweredQuestion, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithPaused returns a copy of s with Paused set.
func WithPaused(s State, paused bool) State {
	next := s.clone()
	next.Paused = paused
	next.LastUpdated = now()
	return next
}

// WithActiveWork returns a copy of s with work recorded under workItemID.
func WithActiveWork(s State, workItemID string, work ActiveWork) State {
	next := s.clone()
	next.ActiveWork[workItemID] = work
	next.LastUpdated = now()
	return next
}

// WithoutActiveWork returns a copy of s with workItemID's entry removed.
func WithoutActiveWork(s State, workItemID string) State {
	next := s.clone()
	delete(next.ActiveWork, workItemID)
	next.LastUpdated = now()
	return next
}

// WithPendingQuestion returns a copy of s with a pending question recorded.
func WithPendingQuestion(s State, q PendingQuestion) State {
	next := s.clone()
	next.PendingQuestions[q.QuestionID] = q
	next.LastUpdated = now()
	return next
}

// WithoutPendingQuestion returns a copy of s with questionID's pending entry removed.
func WithoutPendingQuestion(s State, questionID string) State {
	next := s.clone()
	delete(next.PendingQuestions, questionID)
	next.LastUpdated = now()
	return next
}

// WithAnsweredQuestion returns a copy of s with an answered question queued.
func WithAnsweredQuestion(s State, a AnsweredQuestion) State {
	next := s.clone()
	next.AnsweredQuestions[a.QuestionID] = a
	next.LastUpdated = now()
	return next
}

// WithoutAnsweredQuestion returns a copy of s with questionID's answered entry removed.
func WithoutAnsweredQuestion(s State, questionID string) State {
	next := s.clone()
	delete(next.AnsweredQuestions, questionID)
	next.LastUpdated = now()
	return next
}

// now is a var so tests can pin it; production code never needs to.
var now = time.Now

// CountForProject returns how many active-work entries target project.
func (s State) CountForProject(project string) int {
	count := 0
	for _, w := range s.ActiveWork {
		if w.Project == project {
			count++
		}
	}
	return count
}

// HasActiveWorkFor reports whether sourceID already has active work.
func (s State) HasActiveWorkFor(sourceID string) bool {
	for _, w := range s.ActiveWork {
		if w.SourceID == sourceID {
			return true
		}
	}
	return false
}
