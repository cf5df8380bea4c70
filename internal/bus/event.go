package bus

import "time"

// Event kinds published by the core.
const (
	KindNotificationCreated = "notification.created"
	KindNotificationRead    = "notification.read"
	KindMessageCreated      = "conversation.message_created"
	KindConversationRead    = "conversation.read"
	KindInterceptUnread     = "intercept.unread"
	KindInterceptForwarded  = "intercept.forwarded"
)

// Event represents a domain event published on the bus. Recipient is the
// user the event is addressed to; empty means every subscriber of Role, or
// everyone when Role is empty too.
type Event struct {
	Kind      string
	Timestamp time.Time
	Recipient string
	Role      string
	Payload   any
}

// For reports whether evt is addressed to userID acting as role.
func (evt Event) For(userID, role string) bool {
	if evt.Recipient != "" {
		return evt.Recipient == userID
	}
	return evt.Role == "" || evt.Role == role
}
