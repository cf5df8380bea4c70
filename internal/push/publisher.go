package push

import (
	"context"

	"github.com/matheus3301/mediate/internal/bus"
)

// Publisher delivers user-addressed events over the in-process bus. The hub
// forwards them to live websocket sessions.
type Publisher struct {
	bus *bus.Bus
}

// NewPublisher creates a Publisher on b.
func NewPublisher(b *bus.Bus) *Publisher {
	return &Publisher{bus: b}
}

// Push publishes evt unless ctx is already done. Delivery to sessions is best
// effort: a slow session drops events instead of blocking the caller.
func (p *Publisher) Push(ctx context.Context, evt bus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.Publish(evt)
	return nil
}

// Publish publishes evt.
func (p *Publisher) Publish(evt bus.Event) {
	p.bus.Publish(evt)
}
