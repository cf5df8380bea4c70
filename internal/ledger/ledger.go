// Package ledger keeps the per-role unread counters of conversations in step
// with message read receipts. Every mutation runs inside the caller's store
// transaction and uses in-SQL arithmetic.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/mediate/internal/store"
)

// BumpRoles returns the roles whose counters a new message from senderRole
// increments: every role present except the sender's own, with the provider
// suppressed on intercepted conversations.
func BumpRoles(conv *store.Conversation, senderRole store.Role) []store.Role {
	var out []store.Role
	for _, r := range store.Roles {
		if r == senderRole || !conv.HasRole(r) {
			continue
		}
		if r == store.RoleProvider && conv.IsIntercepted {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RecordMessage applies the bump rule for a message just written to conv.
func RecordMessage(ctx context.Context, tx *store.Tx, conv *store.Conversation, senderRole store.Role) ([]store.Role, error) {
	roles := BumpRoles(conv, senderRole)
	if err := tx.IncrementUnread(ctx, conv.ID, roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// MarkConversationRead zeroes the counter of role and appends a receipt to
// every message role has not read yet. Repeating the call is a no-op.
func MarkConversationRead(ctx context.Context, tx *store.Tx, conversationID string, role store.Role) (int64, error) {
	n, err := tx.MarkConversationMessagesRead(ctx, conversationID, role, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if err := tx.ResetUnread(ctx, conversationID, role); err != nil {
		return 0, fmt.Errorf("reset unread: %w", err)
	}
	return n, nil
}

// MarkMessageRead appends a receipt for role to msg. The counter is lowered
// only when the receipt is new and the message came from another role.
func MarkMessageRead(ctx context.Context, tx *store.Tx, msg *store.Message, role store.Role) (bool, error) {
	inserted, err := tx.InsertReadReceipt(ctx, msg.ID, role, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	if !inserted || msg.SenderRole == role {
		return inserted, nil
	}
	if err := tx.DecrementUnread(ctx, msg.ConversationID, role); err != nil {
		return false, fmt.Errorf("decrement unread: %w", err)
	}
	return true, nil
}

// Seat is a conversation and the role whose counter a reader clears there.
type Seat struct {
	ConversationID string
	Role           store.Role
}

// MarkAllRead applies MarkConversationRead to every seat.
func MarkAllRead(ctx context.Context, tx *store.Tx, seats []Seat) (int64, error) {
	var total int64
	for _, st := range seats {
		n, err := MarkConversationRead(ctx, tx, st.ConversationID, st.Role)
		if err != nil {
			return 0, fmt.Errorf("mark %s read: %w", st.ConversationID, err)
		}
		total += n
	}
	return total, nil
}

// Mismatch describes a counter that disagrees with the receipts.
type Mismatch struct {
	Role     store.Role
	Counter  int
	Expected int
}

// Audit compares the stored counters of a conversation with the count of
// messages each present role has not read. The provider counter of an
// intercepted conversation must be zero regardless of receipts.
func Audit(ctx context.Context, db *store.DB, conversationID string) ([]Mismatch, error) {
	conv, err := db.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}
	var out []Mismatch
	for _, r := range store.Roles {
		got := conv.Unread.Get(r)
		want := 0
		switch {
		case r == store.RoleProvider && conv.IsIntercepted:
		case !conv.HasRole(r):
		default:
			if want, err = db.CountUnreadMessages(ctx, conversationID, r); err != nil {
				return nil, err
			}
		}
		if got != want {
			out = append(out, Mismatch{Role: r, Counter: got, Expected: want})
		}
	}
	return out, nil
}
