//go:generate go run go.uber.org/mock/mockgen -source=pusher.go -destination=../mocks/mock_pusher.go -package=mocks
package notify

import (
	"context"

	"github.com/matheus3301/mediate/internal/bus"
)

// Pusher delivers an event to the live sessions of its recipient. Delivery is
// best effort: there is no acknowledgement and no redelivery.
type Pusher interface {
	Push(ctx context.Context, evt bus.Event) error
}
