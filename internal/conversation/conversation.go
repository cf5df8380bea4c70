package conversation

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// findOrCreate returns the conversation owning key, inserting the one built
// by build when there is none. The pair key is unique, and the surrounding
// immediate transaction serializes competing creators.
func findOrCreate(ctx context.Context, tx *store.Tx, key string, build func() *store.Conversation) (*store.Conversation, bool, error) {
	conv, err := tx.ConversationByPairKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}
	if conv != nil {
		return conv, false, nil
	}
	conv = build()
	conv.PairKey = key
	if err := tx.InsertConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

func directConversation(clientID, providerID string, now int64) func() *store.Conversation {
	return func() *store.Conversation {
		return &store.Conversation{
			ID:         uuid.NewString(),
			Kind:       store.KindDirect,
			ClientID:   clientID,
			ProviderID: providerID,
			CreatedAt:  now,
			UpdatedAt:  now,
			Participants: []store.Participant{
				{UserID: clientID, Role: store.RoleClient, JoinedAt: now},
				{UserID: providerID, Role: store.RoleProvider, JoinedAt: now},
			},
		}
	}
}

func interceptedConversation(clientID, providerID string, now int64) func() *store.Conversation {
	return func() *store.Conversation {
		c := directConversation(clientID, providerID, now)()
		c.IsIntercepted = true
		c.AdminStatus = store.AdminPending
		c.OriginalSenderID = clientID
		c.InterceptedAt = now
		return c
	}
}

// CreateDirect finds or creates the direct conversation between a client and
// a provider.
func (s *Service) CreateDirect(ctx context.Context, caller Caller, clientID, providerID string) (*View, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	if clientID == "" || providerID == "" {
		return nil, apperr.Validation("clientId and providerId are required")
	}
	if clientID == providerID {
		return nil, apperr.Validation("clientId and providerId must differ")
	}
	if !caller.IsOperator() && caller.ID != clientID && caller.ID != providerID {
		return nil, apperr.Authorization("callers may only open their own conversations")
	}
	var conv *store.Conversation
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		conv, _, err = findOrCreate(ctx, tx, pairKey("direct", clientID, providerID), directConversation(clientID, providerID, s.nowMilli()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, caller, conv.ID)
}

// SendResult is the conversation a first message landed in, and the message.
type SendResult struct {
	Conversation *View       `json:"conversation"`
	Message      MessageView `json:"message"`
}

// Send delivers a message from the caller to a counterpart, opening a
// conversation when needed. A client's message to a provider continues an
// existing intercepted thread; otherwise the interception policy decides
// whether a new conversation is intercepted.
func (s *Service) Send(ctx context.Context, caller Caller, counterpartID string, content Content) (*SendResult, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	if counterpartID == "" || counterpartID == caller.ID {
		return nil, apperr.Validation("a distinct counterpartId is required")
	}
	content, err := content.normalize()
	if err != nil {
		return nil, err
	}
	switch caller.Role {
	case store.RoleClient:
		return s.send(ctx, caller, caller.ID, counterpartID, content, false)
	case store.RoleProvider:
		return s.send(ctx, caller, counterpartID, caller.ID, content, false)
	default:
		return nil, apperr.Validation("operators contact providers through the intercept endpoints")
	}
}

func (s *Service) send(ctx context.Context, caller Caller, clientID, providerID string, content Content, forceIntercept bool) (*SendResult, error) {
	var (
		conv        *store.Conversation
		created     bool
		intercepted bool
		w           *written
		notes       []*store.Notification
	)
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		interceptKey := pairKey("intercept", clientID, providerID)
		if caller.Role == store.RoleClient {
			if conv, err = tx.ConversationByPairKey(ctx, interceptKey); err != nil {
				return err
			}
		}
		if conv == nil && !forceIntercept {
			if conv, err = tx.ConversationByPairKey(ctx, pairKey("direct", clientID, providerID)); err != nil {
				return err
			}
		}
		if conv == nil {
			now := s.nowMilli()
			intercepted = forceIntercept || (caller.Role == store.RoleClient && s.policy.ShouldIntercept(ctx, clientID, providerID))
			key, build := pairKey("direct", clientID, providerID), directConversation(clientID, providerID, now)
			if intercepted {
				key, build = interceptKey, interceptedConversation(clientID, providerID, now)
			}
			if conv, created, err = findOrCreate(ctx, tx, key, build); err != nil {
				return err
			}
			if intercepted {
				err := tx.RecordAdminAction(ctx, &store.AdminAction{
					ConversationID: conv.ID,
					Action:         ActionIntercepted,
					PerformedBy:    systemActor,
					Details:        mustJSON(map[string]any{"originalSenderId": clientID, "counterpartId": providerID}),
				})
				if err != nil {
					return err
				}
			}
		}

		name := caller.Name
		if name == "" {
			if name, err = tx.DisplayName(ctx, caller.ID); err != nil {
				return err
			}
		}
		w, err = s.appendMessage(ctx, tx, conv, draft{
			sender:  Sender{ID: caller.ID, Role: caller.Role, DisplayName: name},
			content: content,
		})
		if err != nil {
			return err
		}
		typ := notify.TypeNewMessage
		if created {
			typ = notify.TypeNewConversation
		}
		notes, err = s.notifyRecipients(ctx, tx, w, typ)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created && intercepted {
		s.metrics.Intercepted()
		s.logger.Info("conversation intercepted",
			zap.String("conversation", conv.ID),
			zap.String("client", clientID),
			zap.String("provider", providerID))
	}
	s.announce(ctx, notes, w)
	return s.sendResult(ctx, caller, conv.ID, w.msg)
}

func (s *Service) sendResult(ctx context.Context, caller Caller, conversationID string, msg *store.Message) (*SendResult, error) {
	v, err := s.Get(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	return &SendResult{Conversation: v, Message: messageView(msg, caller)}, nil
}

// Get returns a conversation summary with the counterpart's display name.
func (s *Service) Get(ctx context.Context, caller Caller, conversationID string) (*View, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	if err := authorize(conv, caller); err != nil {
		return nil, err
	}
	return s.view(ctx, s.db, conv, caller)
}

// ListPage is a page of the caller's conversations.
type ListPage struct {
	Conversations []View            `json:"conversations"`
	Pagination    notify.Pagination `json:"pagination"`
}

// ListQuery selects a page of the caller's conversations. Page is 1-based.
// Archived lists archived conversations instead of active ones.
type ListQuery struct {
	Page     int
	Limit    int
	Archived bool
}

// List returns the conversations the caller participates in and may see,
// most recent activity first.
func (s *Service) List(ctx context.Context, caller Caller, q ListQuery) (*ListPage, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	limit, err := clampLimit(q.Limit, defaultListLimit)
	if err != nil {
		return nil, err
	}
	if q.Page < 0 {
		return nil, apperr.Validation("page must be at least 1")
	}
	page := max(q.Page, 1)
	convs, total, err := s.db.ListConversations(ctx, store.ConversationFilter{
		UserID:   caller.ID,
		Archived: q.Archived,
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := &ListPage{
		Conversations: make([]View, 0, len(convs)),
		Pagination: notify.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(limit))),
		},
	}
	for i := range convs {
		v, err := s.view(ctx, s.db, &convs[i], caller)
		if err != nil {
			return nil, err
		}
		out.Conversations = append(out.Conversations, *v)
	}
	return out, nil
}

// Archive moves a conversation out of the active list. Messages, counters
// and visibility are untouched, and archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, caller Caller, conversationID string) (*View, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		conv, err := load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if err := authorize(conv, caller); err != nil {
			return err
		}
		changed, err := tx.ArchiveConversation(ctx, conv.ID, s.nowMilli())
		if err != nil || !changed || !caller.IsOperator() {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: conv.ID,
			Action:         ActionArchived,
			PerformedBy:    caller.ID,
			Details:        mustJSON(map[string]any{}),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, caller, conversationID)
}

// UnreadSummary is the caller's unread total across conversations.
type UnreadSummary struct {
	UnreadCount int `json:"unreadCount"`
}

// UnreadTotal sums the caller's counter over every conversation the caller
// may see, archived ones included. The operator queue is reported by Stats.
func (s *Service) UnreadTotal(ctx context.Context, caller Caller) (*UnreadSummary, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	n, err := s.db.UnreadTotal(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("unread total: %w", err)
	}
	return &UnreadSummary{UnreadCount: n}, nil
}
