//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=../mocks/mock_conversation.go -package=mocks
package conversation

import (
	"context"

	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/store"
)

// Notifier stages notifications inside a conversation transaction and
// delivers them once it has committed.
type Notifier interface {
	Stage(ctx context.Context, tx *store.Tx, evt notify.Event) (*store.Notification, error)
	Deliver(ctx context.Context, notes ...*store.Notification)
}

// Publisher broadcasts events that are not addressed to a single user.
type Publisher interface {
	Publish(evt bus.Event)
}
