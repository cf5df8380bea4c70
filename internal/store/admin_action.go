package store

import (
	"context"
	"fmt"
	"time"
)

// RecordAdminAction appends an entry to the operator audit trail.
func (tx *Tx) RecordAdminAction(ctx context.Context, a *AdminAction) error {
	details := string(a.Details)
	if details == "" {
		details = "{}"
	}
	at := a.PerformedAt
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admin_actions (conversation_id, action, performed_by, details, performed_at)
		VALUES (?, ?, ?, ?, ?)`, a.ConversationID, a.Action, a.PerformedBy, details, at)
	if err != nil {
		return fmt.Errorf("record admin action: %w", err)
	}
	return nil
}

// ListAdminActions returns the audit trail of a conversation, oldest first.
func (db *DB) ListAdminActions(ctx context.Context, conversationID string) ([]AdminAction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, action, performed_by, details, performed_at
		FROM admin_actions WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AdminAction
	for rows.Next() {
		var a AdminAction
		var details string
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.Action, &a.PerformedBy, &details, &a.PerformedAt); err != nil {
			return nil, err
		}
		a.Details = []byte(details)
		out = append(out, a)
	}
	return out, rows.Err()
}
