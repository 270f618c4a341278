package notifier

import (
	"context"

	"whs/internal/log"
	"whs/internal/state"
)

// LogNotifier writes every notification to the structured log, the
// zero-configuration default when no external transport is configured
//.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) NotifyProgress(ctx context.Context, item WorkItem, message string) error {
	log.Info(log.CatNotify, "progress", "project", item.Project, "source", item.SourceID, "message", message)
	return nil
}

func (LogNotifier) NotifyQuestion(ctx context.Context, item WorkItem, question state.PendingQuestion) error {
	log.Info(log.CatNotify, "question raised", "project", item.Project, "source", item.SourceID, "question_id", question.QuestionID)
	return nil
}

func (LogNotifier) NotifyComplete(ctx context.Context, item WorkItem, outcome string) error {
	log.Info(log.CatNotify, "workflow complete", "project", item.Project, "source", item.SourceID, "outcome", outcome)
	return nil
}

func (LogNotifier) NotifyError(ctx context.Context, item WorkItem, err error) error {
	log.ErrorErr(log.CatNotify, "workflow error", err, "project", item.Project, "source", item.SourceID)
	return nil
}

func (LogNotifier) NotifyRateLimit(ctx context.Context, reason string) error {
	log.Warn(log.CatNotify, "rate limited", "reason", reason)
	return nil
}
