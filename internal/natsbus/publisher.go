package natsbus

import (
	"context"

	"github.com/aamat-dev/crew-ia/internal/persist"
)

// EventPublisher is a write-only persistence backend that publishes every
// event on the run's subject. Runs, nodes and artifacts are not published.
type EventPublisher struct {
	persist.NopBackend
	client *Client
}

func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

func (p *EventPublisher) Name() string { return "nats" }

func (p *EventPublisher) SaveEvent(_ context.Context, ev *persist.Event) error {
	if err := p.client.PublishJSON(TopicRunEvents(ev.RunID), ev); err != nil {
		return err
	}
	if ev.NodeID == "" && isRunTerminal(ev.Type) {
		return p.client.PublishJSON(TopicRunsDone, ev)
	}
	return nil
}

func isRunTerminal(typ string) bool {
	switch typ {
	case persist.EventRunCompleted, persist.EventRunFailed, persist.EventRunPartial, persist.EventRunCanceled:
		return true
	}
	return false
}
