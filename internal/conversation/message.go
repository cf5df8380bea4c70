package conversation

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/ledger"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/sanitize"
	"github.com/matheus3301/mediate/internal/store"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Sender is the author of a message. DisplayName is a presentation alias and
// plays no part in authorization.
type Sender struct {
	ID          string
	Role        store.Role
	DisplayName string
	IsSystem    bool
}

type draft struct {
	sender        Sender
	content       Content
	forwardedFrom string
}

// written is a message committed together with its side effects.
type written struct {
	conv    *store.Conversation
	msg     *store.Message
	bumped  []store.Role
	flagged bool
}

// appendMessage writes one message and applies the unread bump rule.
func (s *Service) appendMessage(ctx context.Context, tx *store.Tx, conv *store.Conversation, d draft) (*written, error) {
	at, err := tx.NextMessageTime(ctx, conv.ID, s.nowMilli())
	if err != nil {
		return nil, fmt.Errorf("next message time: %w", err)
	}
	verdict := s.moderator.Screen(d.content.Body)
	status := store.ModerationApproved
	if verdict.Flagged {
		status = store.ModerationFlagged
	}
	m := &store.Message{
		ID:                  uuid.NewString(),
		ConversationID:      conv.ID,
		SenderID:            d.sender.ID,
		SenderRole:          d.sender.Role,
		DisplayedSenderName: d.sender.DisplayName,
		Body:                d.content.Body,
		BodyHTML:            d.content.BodyHTML,
		BodyHTMLSafe:        sanitize.Web(d.content.BodyHTML),
		SanitizeVersion:     sanitize.Version,
		IsSystem:            d.sender.IsSystem,
		ModerationStatus:    status,
		ForwardedFromID:     d.forwardedFrom,
		CreatedAt:           at,
	}
	if err := tx.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	bumped, err := ledger.RecordMessage(ctx, tx, conv, d.sender.Role)
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	preview := sanitize.Preview(m.BodyHTML, s.opts.PreviewLength)
	if err := tx.TouchLastMessage(ctx, conv.ID, m.ID, preview, at); err != nil {
		return nil, fmt.Errorf("touch last message: %w", err)
	}
	if verdict.Flagged {
		s.logger.Info("message flagged",
			zap.String("conversation", conv.ID),
			zap.String("message", m.ID),
			zap.Strings("terms", verdict.Terms))
	}
	return &written{conv: conv, msg: m, bumped: bumped, flagged: verdict.Flagged}, nil
}

// notifyRecipients stages a notification for every participant whose counter
// the message bumped.
func (s *Service) notifyRecipients(ctx context.Context, tx *store.Tx, w *written, typ notify.Type) ([]*store.Notification, error) {
	var notes []*store.Notification
	for _, p := range w.conv.Participants {
		if p.UserID == w.msg.SenderID || !slices.Contains(w.bumped, p.Role) {
			continue
		}
		n, err := s.stage(ctx, tx, notify.Event{
			RecipientID: p.UserID,
			Type:        typ,
			Params: map[string]any{
				"conversationId": w.conv.ID,
				"senderName":     w.msg.DisplayedSenderName,
				"preview":        sanitize.Preview(w.msg.BodyHTML, s.opts.PreviewLength),
				"message":        w.msg.BodyHTML,
			},
			ActionURL:      "/conversations/" + w.conv.ID,
			ConversationID: w.conv.ID,
			MessageID:      w.msg.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("stage notification: %w", err)
		}
		if n != nil {
			notes = append(notes, n)
		}
	}
	return notes, nil
}

// announce runs after commit: metrics, pushes and live message events.
func (s *Service) announce(ctx context.Context, notes []*store.Notification, ws ...*written) {
	s.deliver(ctx, notes)
	adminBumped := false
	for _, w := range ws {
		s.metrics.MessageWritten(string(w.msg.SenderRole))
		if w.flagged {
			s.metrics.MessageFlagged()
		}
		if w.conv.IsIntercepted && slices.Contains(w.bumped, store.RoleAdmin) {
			adminBumped = true
		}
		if s.publisher == nil {
			continue
		}
		for _, p := range w.conv.Participants {
			if p.Role == store.RoleProvider && w.conv.IsIntercepted {
				continue
			}
			caller := Caller{ID: p.UserID, Role: p.Role}
			s.publisher.Publish(bus.Event{
				Kind:      bus.KindMessageCreated,
				Timestamp: s.now(),
				Recipient: p.UserID,
				Payload:   messageView(w.msg, caller),
			})
		}
	}
	if adminBumped {
		s.publishInterceptUnread(ctx)
	}
}

// AddMessage appends a message from sender to a conversation without
// visibility checks. Every present role except the sender's has its counter
// bumped; the provider is never bumped on an intercepted conversation.
func (s *Service) AddMessage(ctx context.Context, conversationID string, sender Sender, content Content) (*store.Message, error) {
	if sender.ID == "" || !sender.Role.Valid() {
		return nil, apperr.Validation("sender id and role are required")
	}
	return s.addMessage(ctx, conversationID, content, func(*store.Tx, *store.Conversation) (Sender, error) {
		return sender, nil
	})
}

// Post appends a message from a participant of the conversation.
func (s *Service) Post(ctx context.Context, caller Caller, conversationID string, content Content) (*MessageView, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	m, err := s.addMessage(ctx, conversationID, content, func(tx *store.Tx, conv *store.Conversation) (Sender, error) {
		if err := authorize(conv, caller); err != nil {
			return Sender{}, err
		}
		p, ok := conv.Participant(caller.ID)
		if !ok {
			return Sender{}, apperr.Authorization("operators answer conversation %s through reply or forward", conv.ID)
		}
		sender := Sender{ID: caller.ID, Role: p.Role, DisplayName: caller.Name}
		if p.Role != store.RoleAdmin {
			return sender, nil
		}
		// Operators keep the persona the conversation was opened under.
		switch {
		case conv.Kind == store.KindAdminMediated:
			sender.DisplayName = s.opts.OperatorAlias
		case conv.ClientID != "":
			name, err := tx.DisplayName(ctx, conv.ClientID)
			if err != nil {
				return Sender{}, err
			}
			sender.DisplayName = name
		}
		return sender, nil
	})
	if err != nil {
		return nil, err
	}
	v := messageView(m, caller)
	return &v, nil
}

func (s *Service) addMessage(ctx context.Context, conversationID string, content Content, senderFor func(*store.Tx, *store.Conversation) (Sender, error)) (*store.Message, error) {
	content, err := content.normalize()
	if err != nil {
		return nil, err
	}
	var w *written
	var notes []*store.Notification
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		conv, err := load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		sender, err := senderFor(tx, conv)
		if err != nil {
			return err
		}
		if sender.DisplayName == "" {
			if sender.DisplayName, err = tx.DisplayName(ctx, sender.ID); err != nil {
				return err
			}
		}
		if w, err = s.appendMessage(ctx, tx, conv, draft{sender: sender, content: content}); err != nil {
			return err
		}
		notes, err = s.notifyRecipients(ctx, tx, w, notify.TypeNewMessage)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, notes, w)
	return w.msg, nil
}

// MessagePage is a page of messages in ascending chronological order.
// NextCursor is the creation time to pass as before for the next older page.
type MessagePage struct {
	Messages   []MessageView `json:"messages"`
	HasMore    bool          `json:"hasMore"`
	NextCursor int64         `json:"nextCursor,omitempty"`
}

// ListMessages returns up to limit messages created strictly before before
// (or the latest when before is zero). Creation times are unique and
// increasing per conversation, so pages never shift under concurrent writes.
func (s *Service) ListMessages(ctx context.Context, caller Caller, conversationID string, before int64, limit int) (*MessagePage, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	limit, err := clampLimit(limit, defaultMessageLimit)
	if err != nil {
		return nil, err
	}
	if before < 0 {
		return nil, apperr.Validation("before must be a positive timestamp")
	}
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	if err := authorize(conv, caller); err != nil {
		return nil, err
	}

	msgs, err := s.db.ListMessages(ctx, conversationID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	page := &MessagePage{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	page.Messages = make([]MessageView, len(msgs))
	for i := range msgs {
		page.Messages[i] = messageView(&msgs[i], caller)
	}
	if page.HasMore && len(msgs) > 0 {
		page.NextCursor = msgs[0].CreatedAt
	}
	return page, nil
}

// ReadResult reports the caller's counter after a read.
type ReadResult struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	Changed        bool   `json:"changed"`
}

// MarkMessageRead records that the caller's role read one message.
func (s *Service) MarkMessageRead(ctx context.Context, caller Caller, messageID string) (*ReadResult, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	var res ReadResult
	var conv *store.Conversation
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return apperr.NotFound("message %s not found", messageID)
		}
		if conv, err = load(ctx, tx, msg.ConversationID); err != nil {
			return err
		}
		if err := authorize(conv, caller); err != nil {
			return err
		}
		role := readerRole(conv, caller)
		if res.Changed, err = ledger.MarkMessageRead(ctx, tx, msg, role); err != nil {
			return err
		}
		fresh, err := load(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		res.ConversationID = conv.ID
		res.UnreadCount = fresh.Unread.Get(role)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterRead(ctx, caller, conv, res)
	return &res, nil
}

// MarkRead zeroes the caller's counter on a conversation and records receipts
// for every message it had not read.
func (s *Service) MarkRead(ctx context.Context, caller Caller, conversationID string) (*ReadResult, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	var res ReadResult
	var conv *store.Conversation
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		if conv, err = load(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := authorize(conv, caller); err != nil {
			return err
		}
		n, err := ledger.MarkConversationRead(ctx, tx, conv.ID, readerRole(conv, caller))
		if err != nil {
			return err
		}
		res = ReadResult{ConversationID: conv.ID, Changed: n > 0 || conv.Unread.Get(readerRole(conv, caller)) > 0}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterRead(ctx, caller, conv, res)
	return &res, nil
}

// BulkReadResult summarizes MarkAllRead.
type BulkReadResult struct {
	Conversations int   `json:"conversations"`
	Messages      int64 `json:"messages"`
}

// MarkAllRead marks every conversation visible to the caller read. Operators
// also clear the whole intercept queue.
func (s *Service) MarkAllRead(ctx context.Context, caller Caller) (*BulkReadResult, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	var res BulkReadResult
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		ids, err := tx.ConversationIDsForUser(ctx, caller.ID)
		if err != nil {
			return err
		}
		if caller.IsOperator() {
			intercepted, err := tx.InterceptedConversationIDs(ctx)
			if err != nil {
				return err
			}
			ids = lo.Uniq(append(ids, intercepted...))
		}
		seats := make([]ledger.Seat, 0, len(ids))
		for _, id := range ids {
			conv, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			if authorize(conv, caller) != nil {
				continue
			}
			seats = append(seats, ledger.Seat{ConversationID: conv.ID, Role: readerRole(conv, caller)})
		}
		res.Conversations = len(seats)
		res.Messages, err = ledger.MarkAllRead(ctx, tx, seats)
		return err
	})
	if err != nil {
		return nil, err
	}
	if caller.IsOperator() {
		s.publishInterceptUnread(ctx)
	}
	return &res, nil
}

func (s *Service) afterRead(ctx context.Context, caller Caller, conv *store.Conversation, res ReadResult) {
	if s.publisher != nil {
		s.publisher.Publish(bus.Event{
			Kind:      bus.KindConversationRead,
			Timestamp: s.now(),
			Recipient: caller.ID,
			Payload:   res,
		})
	}
	if caller.IsOperator() && conv.IsIntercepted && res.Changed {
		s.publishInterceptUnread(ctx)
	}
}

// SoftDeleteMessage hides a message. Only its sender or an operator may
// delete it; counters are left as they are.
func (s *Service) SoftDeleteMessage(ctx context.Context, caller Caller, messageID string) error {
	if err := caller.validate(); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx *store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			return apperr.NotFound("message %s not found", messageID)
		}
		conv, err := load(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if err := authorize(conv, caller); err != nil {
			return err
		}
		if msg.SenderID != caller.ID && !caller.IsOperator() {
			return apperr.Authorization("only the sender or an operator may delete message %s", messageID)
		}
		deleted, err := tx.SoftDeleteMessage(ctx, messageID, caller.ID)
		if err != nil {
			return fmt.Errorf("soft delete: %w", err)
		}
		if deleted && caller.IsOperator() {
			return tx.RecordAdminAction(ctx, &store.AdminAction{
				ConversationID: conv.ID,
				Action:         ActionMessageDeleted,
				PerformedBy:    caller.ID,
				Details:        mustJSON(map[string]any{"messageId": messageID}),
			})
		}
		return nil
	})
}
