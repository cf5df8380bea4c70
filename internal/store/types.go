package store

import "encoding/json"

// Role is the marketplace role a caller acts under.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Roles lists every role in counter order.
var Roles = []Role{RoleClient, RoleProvider, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// Kind distinguishes ordinary conversations from operator-initiated ones.
type Kind string

const (
	KindDirect        Kind = "direct"
	KindAdminMediated Kind = "admin_mediated"
)

// AdminStatus is the moderation workflow state of an intercepted conversation.
type AdminStatus string

const (
	AdminPending   AdminStatus = "pending"
	AdminReviewed  AdminStatus = "reviewed"
	AdminForwarded AdminStatus = "forwarded"
	AdminReplied   AdminStatus = "replied"
	AdminResolved  AdminStatus = "resolved"
	AdminSpam      AdminStatus = "spam"
)

// AdminStatuses lists every workflow state.
var AdminStatuses = []AdminStatus{AdminPending, AdminReviewed, AdminForwarded, AdminReplied, AdminResolved, AdminSpam}

// Valid reports whether s is a known workflow state.
func (s AdminStatus) Valid() bool {
	for _, v := range AdminStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ModerationStatus annotates a message after content screening.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationRemoved  ModerationStatus = "removed"
)

// UnreadCounts holds the per-role unread counters of a conversation.
type UnreadCounts struct {
	Client   int `json:"client"`
	Provider int `json:"provider"`
	Admin    int `json:"admin"`
}

// Get returns the counter for role.
func (u UnreadCounts) Get(role Role) int {
	switch role {
	case RoleClient:
		return u.Client
	case RoleProvider:
		return u.Provider
	case RoleAdmin:
		return u.Admin
	}
	return 0
}

// Participant is a true member of a conversation.
type Participant struct {
	UserID   string
	Role     Role
	JoinedAt int64
}

// Conversation represents a conversation record. Links to other
// conversations are plain ids.
type Conversation struct {
	ID                   string
	Kind                 Kind
	ClientID             string
	ProviderID           string
	OperatorID           string
	PairKey              string
	IsIntercepted        bool
	AdminStatus          AdminStatus
	AdminNotes           string
	OriginalSenderID     string
	InterceptedAt        int64
	LinkedConversationID string
	ForwardedFromID      string
	Unread               UnreadCounts
	LastMessageID        string
	LastMessagePreview   string
	LastMessageAt        int64
	CreatedAt            int64
	UpdatedAt            int64
	ArchivedAt           int64
	Participants         []Participant
}

// Archived reports whether the conversation has been archived.
func (c *Conversation) Archived() bool { return c.ArchivedAt > 0 }

// Participant returns the membership of userID, if any.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasRole reports whether role is present in the conversation. The operator
// pool is present in every intercepted conversation.
func (c *Conversation) HasRole(role Role) bool {
	if role == RoleAdmin && c.IsIntercepted {
		return true
	}
	for _, p := range c.Participants {
		if p.Role == role {
			return true
		}
	}
	return false
}

// ReadReceipt records that a role has read a message.
type ReadReceipt struct {
	Role   Role  `json:"role"`
	ReadAt int64 `json:"readAt"`
}

// Message represents a stored message.
type Message struct {
	ID                  string
	ConversationID      string
	SenderID            string
	SenderRole          Role
	DisplayedSenderName string
	Body                string
	BodyHTML            string
	BodyHTMLSafe        string
	SanitizeVersion     int
	IsSystem            bool
	ModerationStatus    ModerationStatus
	ForwardedFromID     string
	DeletedAt           int64
	DeletedBy           string
	CreatedAt           int64
	ReadBy              []ReadReceipt
}

// Notification represents a persisted notification.
type Notification struct {
	ID             string
	RecipientID    string
	Type           string
	Params         json.RawMessage
	ParamsSafe     json.RawMessage
	ParamsVersion  int
	SafeVersion    int
	ActionURL      string
	ConversationID string
	MessageID      string
	ReadAt         int64
	Archived       bool
	ArchivedAt     int64
	CreatedAt      int64
}

// OutboxEmail represents a queued email copy of a notification.
type OutboxEmail struct {
	ID             int64
	NotificationID string
	Recipient      string
	Subject        string
	HTMLBody       string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	Attempts       int
}

// Profile holds the display identity last seen for a user.
type Profile struct {
	UserID      string
	Role        Role
	DisplayName string
}

// AdminAction is one entry of the operator audit trail.
type AdminAction struct {
	ID             int64
	ConversationID string
	Action         string
	PerformedBy    string
	Details        json.RawMessage
	PerformedAt    int64
}
