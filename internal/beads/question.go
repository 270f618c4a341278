package beads

import "context"

// QuestionLabel marks an issue as an agent-raised question awaiting a
// human or delegated answer.
const QuestionLabel = "whs:question"

// QuestionRequest is the set of fields needed to raise a question issue.
type QuestionRequest struct {
	// ForIssue is the issue the agent was working on when it got stuck.
	ForIssue string
	Title    string
	Body     string
}

// QuestionData is what ParseQuestionData reads back out of a question
// issue: the issue it was raised for and the question text.
type QuestionData struct {
	ForIssue string `json:"for_issue"`
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// CreateQuestion raises a new question issue as a child of ForIssue,
// labeled so ListPendingQuestions can find it.
func (s *RealStore) CreateQuestion(ctx context.Context, req QuestionRequest) (Issue, error) {
	return s.Create(ctx, CreateRequest{
		Title:       req.Title,
		Description: req.Body,
		Type:        TypeQuestion,
		Priority:    PriorityHigh,
		Labels:      []string{QuestionLabel},
		Parent:      req.ForIssue,
	})
}

// ListPendingQuestions returns open question issues awaiting an answer.
func (s *RealStore) ListPendingQuestions(ctx context.Context) ([]Issue, error) {
	return s.List(ctx, ListFilter{
		Status: []Status{StatusOpen, StatusBlocked},
		Labels: []string{QuestionLabel},
		Type:   TypeQuestion,
	})
}

// AnswerQuestion records an answer as a comment and closes the question,
// unblocking whatever was waiting on it.
func (s *RealStore) AnswerQuestion(ctx context.Context, id string, answer string) error {
	if err := s.Comment(ctx, id, answer); err != nil {
		return err
	}
	return s.Close(ctx, id, "answered")
}

// ParseQuestionData reads a question issue back out: ForIssue is the
// issue's parent and Question is its description, taken as plain text.
// The description is not decoded as structured data and Answer is left
// empty. It returns false for an issue without QuestionLabel.
func ParseQuestionData(issue Issue) (QuestionData, bool) {
	if !issue.HasLabel(QuestionLabel) {
		return QuestionData{}, false
	}
	return QuestionData{
		ForIssue: issue.Parent,
		Question: issue.Description,
	}, true
}
