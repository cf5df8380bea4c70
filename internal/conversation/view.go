package conversation

import (
	"context"

	"github.com/matheus3301/mediate/internal/store"
)

// LastMessage is the denormalized latest-message summary.
type LastMessage struct {
	ID      string `json:"id"`
	Preview string `json:"preview"`
	At      int64  `json:"at"`
}

// View is a conversation as seen by one caller.
type View struct {
	ID              string       `json:"id"`
	Kind            store.Kind   `json:"kind"`
	CounterpartID   string       `json:"counterpartId,omitempty"`
	CounterpartName string       `json:"counterpartName"`
	UnreadCount     int          `json:"unreadCount"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`
	CreatedAt       int64        `json:"createdAt"`
	UpdatedAt       int64        `json:"updatedAt"`
	Archived        bool         `json:"archived"`
	Admin           *AdminView   `json:"admin,omitempty"`
}

// AdminView carries the fields only operators may see.
type AdminView struct {
	ClientID             string             `json:"clientId,omitempty"`
	ProviderID           string             `json:"providerId,omitempty"`
	OperatorID           string             `json:"operatorId,omitempty"`
	IsIntercepted        bool               `json:"isIntercepted"`
	AdminStatus          store.AdminStatus  `json:"adminStatus,omitempty"`
	AdminNotes           string             `json:"adminNotes,omitempty"`
	OriginalSenderID     string             `json:"originalSenderId,omitempty"`
	InterceptedAt        int64              `json:"interceptedAt,omitempty"`
	LinkedConversationID string             `json:"linkedConversationId,omitempty"`
	ForwardedFromID      string             `json:"forwardedFromId,omitempty"`
	UnreadCounts         store.UnreadCounts `json:"unreadCounts"`
	Participants         []ParticipantView  `json:"participants"`
}

// ParticipantView is a true participant of a conversation.
type ParticipantView struct {
	UserID string     `json:"userId"`
	Role   store.Role `json:"role"`
	Name   string     `json:"name"`
}

// counterpart names the other side of conv from the caller's seat. Linked and
// mediated conversations show the provider the party the operator stands in
// for.
func (s *Service) counterpart(conv *store.Conversation, caller Caller) (id, name string, isUser bool) {
	switch {
	case caller.IsOperator():
		if conv.ClientID != "" {
			return conv.ClientID, "", true
		}
		return conv.ProviderID, "", true
	case caller.ID == conv.ClientID:
		return conv.ProviderID, "", true
	case conv.Kind == store.KindAdminMediated:
		return "", s.opts.OperatorAlias, false
	case conv.ClientID != "":
		_, isParticipant := conv.Participant(conv.ClientID)
		return conv.ClientID, "", isParticipant
	default:
		return "", s.opts.OperatorAlias, false
	}
}

func (s *Service) view(ctx context.Context, q namer, conv *store.Conversation, caller Caller) (*View, error) {
	v := &View{
		ID:          conv.ID,
		Kind:        conv.Kind,
		UnreadCount: conv.Unread.Get(readerRole(conv, caller)),
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
		Archived:    conv.Archived(),
	}
	if conv.LastMessageID != "" {
		v.LastMessage = &LastMessage{ID: conv.LastMessageID, Preview: conv.LastMessagePreview, At: conv.LastMessageAt}
	}

	id, name, isUser := s.counterpart(conv, caller)
	if name == "" && id != "" {
		var err error
		if name, err = q.DisplayName(ctx, id); err != nil {
			return nil, err
		}
	}
	v.CounterpartName = name
	if isUser {
		v.CounterpartID = id
	}
	if !caller.IsOperator() {
		return v, nil
	}

	admin := &AdminView{
		ClientID:             conv.ClientID,
		ProviderID:           conv.ProviderID,
		OperatorID:           conv.OperatorID,
		IsIntercepted:        conv.IsIntercepted,
		AdminStatus:          conv.AdminStatus,
		AdminNotes:           conv.AdminNotes,
		OriginalSenderID:     conv.OriginalSenderID,
		InterceptedAt:        conv.InterceptedAt,
		LinkedConversationID: conv.LinkedConversationID,
		ForwardedFromID:      conv.ForwardedFromID,
		UnreadCounts:         conv.Unread,
		Participants:         make([]ParticipantView, 0, len(conv.Participants)),
	}
	for _, p := range conv.Participants {
		pname, err := q.DisplayName(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		admin.Participants = append(admin.Participants, ParticipantView{UserID: p.UserID, Role: p.Role, Name: pname})
	}
	v.Admin = admin
	return v, nil
}

// namer resolves display names inside or outside a transaction.
type namer interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// ReadReceiptView is a read receipt on the wire.
type ReadReceiptView struct {
	Role   store.Role `json:"role"`
	ReadAt int64      `json:"readAt"`
}

// MessageView is a message as seen by one caller.
type MessageView struct {
	ID                  string                 `json:"id"`
	ConversationID      string                 `json:"conversationId"`
	SenderID            string                 `json:"senderId,omitempty"`
	SenderRole          store.Role             `json:"senderRole,omitempty"`
	DisplayedSenderName string                 `json:"displayedSenderName"`
	IsOwn               bool                   `json:"isOwn"`
	Body                string                 `json:"body"`
	BodyHTML            string                 `json:"bodyHtml"`
	BodyHTMLSafe        string                 `json:"bodyHtmlSafe"`
	IsSystem            bool                   `json:"isSystem"`
	ModerationStatus    store.ModerationStatus `json:"moderationStatus,omitempty"`
	ForwardedFromID     string                 `json:"forwardedFromId,omitempty"`
	Deleted             bool                   `json:"deleted"`
	ReadBy              []ReadReceiptView      `json:"readBy"`
	CreatedAt           int64                  `json:"createdAt"`
}

// messageView hides operator identities from non-operators: a message an
// operator wrote under an alias shows only the alias.
func messageView(m *store.Message, caller Caller) MessageView {
	v := MessageView{
		ID:                  m.ID,
		ConversationID:      m.ConversationID,
		SenderID:            m.SenderID,
		SenderRole:          m.SenderRole,
		DisplayedSenderName: m.DisplayedSenderName,
		IsOwn:               m.SenderID == caller.ID,
		Body:                m.Body,
		BodyHTML:            m.BodyHTML,
		BodyHTMLSafe:        m.BodyHTMLSafe,
		IsSystem:            m.IsSystem,
		Deleted:             m.DeletedAt != 0,
		ReadBy:              make([]ReadReceiptView, 0, len(m.ReadBy)),
		CreatedAt:           m.CreatedAt,
	}
	for _, r := range m.ReadBy {
		v.ReadBy = append(v.ReadBy, ReadReceiptView{Role: r.Role, ReadAt: r.ReadAt})
	}
	if caller.IsOperator() {
		v.ModerationStatus = m.ModerationStatus
		v.ForwardedFromID = m.ForwardedFromID
		return v
	}
	if m.SenderRole == store.RoleAdmin && !v.IsOwn {
		v.SenderID = ""
		v.SenderRole = ""
	}
	if v.Deleted || m.ModerationStatus == store.ModerationRemoved {
		v.Body, v.BodyHTML, v.BodyHTMLSafe = "", "", ""
	}
	return v
}
