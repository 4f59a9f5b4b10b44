package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
)

// Notifier bridges the event bus onto the realtime stream. Every session
// and run state change the coordinator publishes is translated into a push
// for connected clients.
type Notifier struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewNotifier creates a notifier feeding the hub from the event bus.
func NewNotifier(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws-notifier")),
	}
}

// Start subscribes to the coordinator's subjects.
func (n *Notifier) Start() error {
	subjects := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.SessionCreated, n.sessionPush("session_created")},
		{events.SessionUpdated, n.sessionPush("session_updated")},
		{events.SessionDeleted, n.handleSessionDeleted},
		{events.BuildSessionEventWildcardSubject(), n.handleSessionEvent},
		{events.RunEnqueued, n.handleRunChange},
		{events.BuildRunStateWildcardSubject(), n.handleRunChange},
	}

	for _, s := range subjects {
		sub, err := n.bus.Subscribe(s.subject, s.handler)
		if err != nil {
			n.Stop()
			return err
		}
		n.subs = append(n.subs, sub)
	}

	n.logger.Info("Realtime notifier started", zap.Int("subjects", len(n.subs)))
	return nil
}

// Stop unsubscribes from the bus.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

func (n *Notifier) sessionPush(pushType string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		n.hub.Broadcast(&Push{Type: pushType, Session: event.Data["session"]})
		return nil
	}
}

func (n *Notifier) handleSessionDeleted(ctx context.Context, event *bus.Event) error {
	id, _ := event.Data["session_id"].(string)
	n.hub.Broadcast(&Push{Type: "session_deleted", SessionID: id})
	return nil
}

func (n *Notifier) handleSessionEvent(ctx context.Context, event *bus.Event) error {
	n.hub.Broadcast(&Push{Type: "event", Data: event.Data["event"]})
	return nil
}

func (n *Notifier) handleRunChange(ctx context.Context, event *bus.Event) error {
	n.hub.Broadcast(&Push{Type: "run_updated", Run: event.Data["run"]})
	return nil
}
