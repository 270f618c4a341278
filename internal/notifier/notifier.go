// Package notifier defines the five-callback interface the dispatcher
// uses to surface progress, questions, completions, errors, and
// rate-limit pauses to an operator, plus a fan-out that calls several at
// once without letting one's failure block the others.
package notifier

import (
	"context"

	"whs/internal/log"
	"whs/internal/state"
)

// WorkItem identifies the work a notification is about.
type WorkItem struct {
	Project  string
	SourceID string
	EpicID   string
}

// Notifier is called best-effort; every error is logged and swallowed by
// the dispatcher, never propagated.
type Notifier interface {
	NotifyProgress(ctx context.Context, item WorkItem, message string) error
	NotifyQuestion(ctx context.Context, item WorkItem, question state.PendingQuestion) error
	NotifyComplete(ctx context.Context, item WorkItem, outcome string) error
	NotifyError(ctx context.Context, item WorkItem, err error) error
	NotifyRateLimit(ctx context.Context, reason string) error
}

// Multi fans a notification out to every configured Notifier, logging
// but not propagating any individual failure.
type Multi struct {
	notifiers []Notifier
}

var _ Notifier = (*Multi)(nil)

// NewMulti returns a Notifier that fans out to every given notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) NotifyProgress(ctx context.Context, item WorkItem, message string) error {
	m.dispatch(func(n Notifier) error { return n.NotifyProgress(ctx, item, message) })
	return nil
}

func (m *Multi) NotifyQuestion(ctx context.Context, item WorkItem, question state.PendingQuestion) error {
	m.dispatch(func(n Notifier) error { return n.NotifyQuestion(ctx, item, question) })
	return nil
}

func (m *Multi) NotifyComplete(ctx context.Context, item WorkItem, outcome string) error {
	m.dispatch(func(n Notifier) error { return n.NotifyComplete(ctx, item, outcome) })
	return nil
}

func (m *Multi) NotifyError(ctx context.Context, item WorkItem, notifyErr error) error {
	m.dispatch(func(n Notifier) error { return n.NotifyError(ctx, item, notifyErr) })
	return nil
}

func (m *Multi) NotifyRateLimit(ctx context.Context, reason string) error {
	m.dispatch(func(n Notifier) error { return n.NotifyRateLimit(ctx, reason) })
	return nil
}

func (m *Multi) dispatch(call func(Notifier) error) {
	for _, n := range m.notifiers {
		if err := call(n); err != nil {
			log.Warn(log.CatNotify, "notifier failed", "error", err.Error())
		}
	}
}
