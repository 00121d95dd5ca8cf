// Package notify tells operators that a run is waiting on them.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// Notification is one operator-facing message about an intervention.
type Notification struct {
	Title          string
	Message        string
	Priority       schemas.Priority
	RunID          string
	InterventionID string
	Link           string
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to every notifier and joins their errors.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing.
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: observability.Component(logger, "notify")}
}

func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	l.logger.Info(n.Title,
		zap.String("message", n.Message),
		zap.String("priority", string(n.Priority)),
		observability.RunID(n.RunID),
		observability.InterventionID(n.InterventionID),
		zap.String("link", n.Link))
	return nil
}
