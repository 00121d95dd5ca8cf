package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/bus"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

const sendTimeout = 15 * time.Second

// Listener sends one notification per intervention.created event.
type Listener struct {
	bus          *bus.Bus
	notifier     Notifier
	dashboardURL string
	logger       *zap.Logger
}

func NewListener(b *bus.Bus, notifier Notifier, dashboardURL string, logger *zap.Logger) *Listener {
	return &Listener{
		bus:          b,
		notifier:     notifier,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       observability.Component(logger, "notify_listener"),
	}
}

// Run consumes intervention events until ctx is done or the bus shuts down.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.bus.Subscribe(schemas.TopicIntervention)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if evt.Type != schemas.EventInterventionCreated {
				continue
			}
			l.send(ctx, evt)
		}
	}
}

func (l *Listener) send(ctx context.Context, evt schemas.Event) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := l.notifier.Send(sendCtx, l.notification(evt)); err != nil {
		l.logger.Warn("Failed to send intervention notification.",
			observability.InterventionID(evt.InterventionID), zap.Error(err))
	}
}

func (l *Listener) notification(evt schemas.Event) Notification {
	n := Notification{
		Title:          fmt.Sprintf("Intervention needed: %s", evt.InterventionType),
		Message:        fmt.Sprintf("Run %s is waiting: %s", evt.RunID, evt.Reason),
		Priority:       evt.Priority,
		RunID:          evt.RunID,
		InterventionID: evt.InterventionID,
	}
	if l.dashboardURL != "" {
		n.Link = l.dashboardURL + "/interventions/" + evt.InterventionID
	}
	return n
}
