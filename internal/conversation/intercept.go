package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/ledger"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Audit trail actions.
const (
	ActionIntercepted    = "intercepted"
	ActionForwarded      = "forwarded"
	ActionReplied        = "replied"
	ActionStatusChanged  = "status_changed"
	ActionNotesUpdated   = "notes_updated"
	ActionDirectMessage  = "direct_message"
	ActionMessageDeleted = "message_deleted"
	ActionArchived       = "archived"
)

const systemActor = "system"

var errLinkRace = errors.New("linked conversation claimed concurrently")

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// Intercept opens, or continues, the intercepted conversation between a
// client and a provider. The provider stays a true participant but never
// sees the conversation and its counter stays at zero; the operator pool's
// counter is bumped instead.
func (s *Service) Intercept(ctx context.Context, sender Caller, providerID string, content Content) (*SendResult, error) {
	if err := sender.validate(); err != nil {
		return nil, err
	}
	if sender.Role != store.RoleClient {
		return nil, apperr.Validation("only client conversations can be intercepted")
	}
	if providerID == "" || providerID == sender.ID {
		return nil, apperr.Validation("a distinct provider is required")
	}
	content, err := content.normalize()
	if err != nil {
		return nil, err
	}
	return s.send(ctx, sender, sender.ID, providerID, content, true)
}

// ForwardRequest is the input of Forward. ProviderID defaults to the
// provider of the source conversation.
type ForwardRequest struct {
	ProviderID     string
	Content        Content
	IncludeHistory bool
}

// ForwardResult describes a completed forward.
type ForwardResult struct {
	Source  *View       `json:"source"`
	Linked  *View       `json:"linked"`
	Message MessageView `json:"message"`
	Reused  bool        `json:"reused"`
}

// Forward delivers operator content from an intercepted conversation to the
// firewalled provider through a linked conversation. The link is created at
// most once per source; later forwards to the same provider reuse it and a
// forward to a different provider fails with a conflict.
func (s *Service) Forward(ctx context.Context, operator Caller, sourceID string, req ForwardRequest) (*ForwardResult, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	content, err := req.Content.normalize()
	if err != nil {
		return nil, err
	}

	var (
		src, linked *store.Conversation
		w           *written
		notes       []*store.Notification
		reused      bool
	)
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		if src, err = load(ctx, tx, sourceID); err != nil {
			return err
		}
		if !src.IsIntercepted {
			return apperr.Validation("conversation %s is not intercepted", sourceID)
		}
		target := req.ProviderID
		if target == "" {
			target = src.ProviderID
		}
		if target == "" {
			return apperr.Validation("no provider to forward conversation %s to", sourceID)
		}

		if src.LinkedConversationID != "" {
			if linked, err = load(ctx, tx, src.LinkedConversationID); err != nil {
				return err
			}
			if linked.ProviderID != target {
				return apperr.Conflict("conversation %s was already forwarded to %s", sourceID, linked.ProviderID)
			}
			reused = true
			if _, ok := linked.Participant(operator.ID); !ok {
				p := store.Participant{UserID: operator.ID, Role: store.RoleAdmin, JoinedAt: s.nowMilli()}
				if err := tx.AddParticipant(ctx, linked.ID, p.UserID, p.Role, p.JoinedAt); err != nil {
					return err
				}
				linked.Participants = append(linked.Participants, p)
			}
		} else {
			if linked, err = s.createLinked(ctx, tx, src, operator, target); err != nil {
				return err
			}
		}

		clientName, err := tx.DisplayName(ctx, src.ClientID)
		if err != nil {
			return err
		}
		if !reused && req.IncludeHistory {
			if err := s.copyHistory(ctx, tx, src, linked, operator, clientName); err != nil {
				return err
			}
		}
		w, err = s.appendMessage(ctx, tx, linked, draft{
			sender:  Sender{ID: operator.ID, Role: store.RoleAdmin, DisplayName: clientName},
			content: content,
		})
		if err != nil {
			return err
		}
		typ := notify.TypeConversationForwarded
		if reused {
			typ = notify.TypeNewMessage
		}
		if notes, err = s.notifyRecipients(ctx, tx, w, typ); err != nil {
			return err
		}

		if err := tx.SetAdminStatus(ctx, src.ID, store.AdminForwarded); err != nil {
			return err
		}
		if _, err := ledger.MarkConversationRead(ctx, tx, src.ID, store.RoleAdmin); err != nil {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: src.ID,
			Action:         ActionForwarded,
			PerformedBy:    operator.ID,
			Details: mustJSON(map[string]any{
				"linkedConversationId": linked.ID,
				"providerId":           target,
				"messageId":            w.msg.ID,
				"reused":               reused,
				"includeHistory":       req.IncludeHistory && !reused,
			}),
		})
	})
	if err != nil {
		if errors.Is(err, errLinkRace) {
			return nil, apperr.Conflict("conversation %s is being forwarded concurrently", sourceID)
		}
		return nil, err
	}

	s.metrics.Forwarded(reused)
	s.announce(ctx, notes, w)
	if s.publisher != nil {
		s.publisher.Publish(bus.Event{
			Kind:      bus.KindInterceptForwarded,
			Timestamp: s.now(),
			Role:      string(store.RoleAdmin),
			Payload:   map[string]any{"conversationId": sourceID, "linkedConversationId": linked.ID, "reused": reused},
		})
	}
	s.publishInterceptUnread(ctx)
	s.logger.Info("conversation forwarded",
		zap.String("source", sourceID),
		zap.String("linked", linked.ID),
		zap.String("operator", operator.ID),
		zap.Bool("reused", reused))

	return s.forwardResult(ctx, operator, sourceID, linked.ID, w.msg, reused)
}

// createLinked inserts the linked conversation and claims the source's link.
// The claim is a conditional update backed by a unique column.
func (s *Service) createLinked(ctx context.Context, tx *store.Tx, src *store.Conversation, operator Caller, providerID string) (*store.Conversation, error) {
	now := s.nowMilli()
	linked := &store.Conversation{
		ID:              uuid.NewString(),
		Kind:            store.KindDirect,
		ClientID:        src.ClientID,
		ProviderID:      providerID,
		OperatorID:      operator.ID,
		ForwardedFromID: src.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Participants: []store.Participant{
			{UserID: operator.ID, Role: store.RoleAdmin, JoinedAt: now},
			{UserID: providerID, Role: store.RoleProvider, JoinedAt: now},
		},
	}
	if err := tx.InsertConversation(ctx, linked); err != nil {
		return nil, err
	}
	claimed, err := tx.LinkConversation(ctx, src.ID, linked.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errLinkRace
	}
	return linked, nil
}

// copyHistory replays the client's messages of src into linked, under the
// client's name. Operator replies are not copied.
func (s *Service) copyHistory(ctx context.Context, tx *store.Tx, src, linked *store.Conversation, operator Caller, clientName string) error {
	msgs, err := tx.ConversationMessages(ctx, src.ID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.DeletedAt != 0 || m.IsSystem || m.SenderRole != store.RoleClient {
			continue
		}
		_, err := s.appendMessage(ctx, tx, linked, draft{
			sender:        Sender{ID: operator.ID, Role: store.RoleAdmin, DisplayName: clientName},
			content:       Content{Body: m.Body, BodyHTML: m.BodyHTML},
			forwardedFrom: m.ID,
		})
		if err != nil {
			return fmt.Errorf("copy message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *Service) forwardResult(ctx context.Context, operator Caller, sourceID, linkedID string, msg *store.Message, reused bool) (*ForwardResult, error) {
	src, err := s.db.GetConversation(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	linked, err := s.db.GetConversation(ctx, linkedID)
	if err != nil {
		return nil, err
	}
	srcView, err := s.view(ctx, s.db, src, operator)
	if err != nil {
		return nil, err
	}
	linkedView, err := s.view(ctx, s.db, linked, operator)
	if err != nil {
		return nil, err
	}
	return &ForwardResult{Source: srcView, Linked: linkedView, Message: messageView(msg, operator), Reused: reused}, nil
}

// Reply answers the client inside an intercepted conversation. The message is
// shown under the provider's name while its sender stays the operator.
func (s *Service) Reply(ctx context.Context, operator Caller, conversationID string, content Content) (*MessageView, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
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
		if !conv.IsIntercepted {
			return apperr.Validation("conversation %s is not intercepted", conversationID)
		}
		providerName, err := tx.DisplayName(ctx, conv.ProviderID)
		if err != nil {
			return err
		}
		w, err = s.appendMessage(ctx, tx, conv, draft{
			sender:  Sender{ID: operator.ID, Role: store.RoleAdmin, DisplayName: providerName},
			content: content,
		})
		if err != nil {
			return err
		}
		if notes, err = s.notifyRecipients(ctx, tx, w, notify.TypeNewMessage); err != nil {
			return err
		}
		if err := tx.SetAdminStatus(ctx, conv.ID, store.AdminReplied); err != nil {
			return err
		}
		if _, err := ledger.MarkConversationRead(ctx, tx, conv.ID, store.RoleAdmin); err != nil {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: conv.ID,
			Action:         ActionReplied,
			PerformedBy:    operator.ID,
			Details:        mustJSON(map[string]any{"messageId": w.msg.ID}),
		})
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, notes, w)
	s.publishInterceptUnread(ctx)
	v := messageView(w.msg, operator)
	return &v, nil
}

// StartMediated opens, or continues, the operator-pool conversation with a
// provider. Operator messages there carry the configured alias.
func (s *Service) StartMediated(ctx context.Context, operator Caller, providerID string, content Content) (*SendResult, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	if providerID == "" {
		return nil, apperr.Validation("providerId is required")
	}
	content, err := content.normalize()
	if err != nil {
		return nil, err
	}
	var (
		conv    *store.Conversation
		created bool
		w       *written
		notes   []*store.Notification
	)
	err = s.db.InTx(ctx, func(tx *store.Tx) error {
		now := s.nowMilli()
		var err error
		conv, created, err = findOrCreate(ctx, tx, pairKey("mediated", providerID), func() *store.Conversation {
			return &store.Conversation{
				ID:         uuid.NewString(),
				Kind:       store.KindAdminMediated,
				ProviderID: providerID,
				OperatorID: operator.ID,
				CreatedAt:  now,
				UpdatedAt:  now,
				Participants: []store.Participant{
					{UserID: operator.ID, Role: store.RoleAdmin, JoinedAt: now},
					{UserID: providerID, Role: store.RoleProvider, JoinedAt: now},
				},
			}
		})
		if err != nil {
			return err
		}
		if _, ok := conv.Participant(operator.ID); !ok {
			p := store.Participant{UserID: operator.ID, Role: store.RoleAdmin, JoinedAt: now}
			if err := tx.AddParticipant(ctx, conv.ID, p.UserID, p.Role, p.JoinedAt); err != nil {
				return err
			}
			conv.Participants = append(conv.Participants, p)
		}
		w, err = s.appendMessage(ctx, tx, conv, draft{
			sender:  Sender{ID: operator.ID, Role: store.RoleAdmin, DisplayName: s.opts.OperatorAlias},
			content: content,
		})
		if err != nil {
			return err
		}
		typ := notify.TypeNewMessage
		if created {
			typ = notify.TypeNewConversation
		}
		if notes, err = s.notifyRecipients(ctx, tx, w, typ); err != nil {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: conv.ID,
			Action:         ActionDirectMessage,
			PerformedBy:    operator.ID,
			Details:        mustJSON(map[string]any{"providerId": providerID, "messageId": w.msg.ID}),
		})
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, notes, w)
	return s.sendResult(ctx, operator, conv.ID, w.msg)
}

// SetAdminStatus moves an intercepted conversation through the moderation
// workflow. Visibility and counters are unaffected.
func (s *Service) SetAdminStatus(ctx context.Context, operator Caller, conversationID string, status store.AdminStatus) (*View, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Validation("unknown admin status %q", status)
	}
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		conv, err := load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.IsIntercepted {
			return apperr.Validation("conversation %s is not intercepted", conversationID)
		}
		if err := tx.SetAdminStatus(ctx, conv.ID, status); err != nil {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: conv.ID,
			Action:         ActionStatusChanged,
			PerformedBy:    operator.ID,
			Details:        mustJSON(map[string]any{"from": conv.AdminStatus, "to": status}),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, operator, conversationID)
}

// UpdateNotes replaces the operator notes of a conversation.
func (s *Service) UpdateNotes(ctx context.Context, operator Caller, conversationID, notes string) (*View, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	if len(notes) > s.opts.MaxNotesLength {
		return nil, apperr.Validation("notes exceed %d bytes", s.opts.MaxNotesLength)
	}
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		conv, err := load(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if err := tx.SetAdminNotes(ctx, conv.ID, notes); err != nil {
			return err
		}
		return tx.RecordAdminAction(ctx, &store.AdminAction{
			ConversationID: conv.ID,
			Action:         ActionNotesUpdated,
			PerformedBy:    operator.ID,
			Details:        mustJSON(map[string]any{"length": len(notes)}),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, operator, conversationID)
}

// InterceptQuery filters ListIntercepted. Page is 1-based.
type InterceptQuery struct {
	Status store.AdminStatus
	Page   int
	Limit  int
}

// InterceptPage is a page of the intercept queue.
type InterceptPage struct {
	Conversations []View            `json:"conversations"`
	Stats         *Stats            `json:"stats"`
	Pagination    notify.Pagination `json:"pagination"`
}

// Stats summarizes the intercept queue.
type Stats struct {
	Total         int                       `json:"total"`
	ByStatus      map[store.AdminStatus]int `json:"byStatus"`
	UnreadTotal   int                       `json:"unreadTotal"`
	UnreadThreads int                       `json:"unreadThreads"`
	Conversations int64                     `json:"conversations"`
	Messages      int64                     `json:"messages"`
}

// ListIntercepted returns the intercept queue, most recent activity first.
func (s *Service) ListIntercepted(ctx context.Context, operator Caller, q InterceptQuery) (*InterceptPage, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("unknown admin status %q", q.Status)
	}
	limit, err := clampLimit(q.Limit, defaultListLimit)
	if err != nil {
		return nil, err
	}
	if q.Page < 0 {
		return nil, apperr.Validation("page must be at least 1")
	}
	page := max(q.Page, 1)
	convs, total, err := s.db.ListIntercepted(ctx, store.InterceptFilter{Status: q.Status, Limit: limit, Offset: (page - 1) * limit})
	if err != nil {
		return nil, fmt.Errorf("list intercepted: %w", err)
	}
	out := &InterceptPage{
		Conversations: make([]View, 0, len(convs)),
		Pagination: notify.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(limit))),
		},
	}
	for i := range convs {
		v, err := s.view(ctx, s.db, &convs[i], operator)
		if err != nil {
			return nil, err
		}
		out.Conversations = append(out.Conversations, *v)
	}
	if out.Stats, err = s.Stats(ctx, operator); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns queue counters for the operator dashboard.
func (s *Service) Stats(ctx context.Context, operator Caller) (*Stats, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	st, err := s.db.InterceptStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("intercept stats: %w", err)
	}
	out := &Stats{Total: st.Total, ByStatus: st.ByStatus, UnreadTotal: st.UnreadTotal, UnreadThreads: st.UnreadThreads}
	if out.Conversations, err = s.db.ConversationCount(ctx); err != nil {
		return nil, err
	}
	if out.Messages, err = s.db.MessageCount(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// ActionView is an audit trail entry on the wire.
type ActionView struct {
	Action      string          `json:"action"`
	PerformedBy string          `json:"performedBy"`
	Details     json.RawMessage `json:"details"`
	PerformedAt int64           `json:"performedAt"`
}

// Actions returns the operator audit trail of a conversation.
func (s *Service) Actions(ctx context.Context, operator Caller, conversationID string) ([]ActionView, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	actions, err := s.db.ListAdminActions(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]ActionView, len(actions))
	for i, a := range actions {
		out[i] = ActionView{Action: a.Action, PerformedBy: a.PerformedBy, Details: a.Details, PerformedAt: a.PerformedAt}
	}
	return out, nil
}
