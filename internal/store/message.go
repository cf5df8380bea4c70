package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `
	id, conversation_id, sender_id, sender_role, displayed_sender_name,
	body, body_html, body_html_safe, sanitize_version, is_system, moderation_status,
	forwarded_from_id, COALESCE(deleted_at, 0), deleted_by, created_at`

func scanMessage(s scanner) (*Message, error) {
	var m Message
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderRole, &m.DisplayedSenderName,
		&m.Body, &m.BodyHTML, &m.BodyHTMLSafe, &m.SanitizeVersion, &m.IsSystem, &m.ModerationStatus,
		&m.ForwardedFromID, &m.DeletedAt, &m.DeletedBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// NextMessageTime returns a creation timestamp for a new message that is
// strictly greater than every existing one in the conversation.
func (tx *Tx) NextMessageTime(ctx context.Context, conversationID string, now int64) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&last)
	if err != nil {
		return 0, err
	}
	return max(now, last+1), nil
}

// InsertMessage stores a new message.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, displayed_sender_name,
			body, body_html, body_html_safe, sanitize_version, is_system, moderation_status,
			forwarded_from_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderRole, m.DisplayedSenderName,
		m.Body, m.BodyHTML, m.BodyHTMLSafe, m.SanitizeVersion, m.IsSystem, m.ModerationStatus,
		m.ForwardedFromID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns a message with its read receipts, or nil if not found.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db, id)
}

// GetMessage is the transactional variant of DB.GetMessage.
func (tx *Tx) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, tx, id)
}

func getMessage(ctx context.Context, q querier, id string) (*Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []Message{*m}
	if err := attachReceipts(ctx, q, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages returns up to limit messages older than before (all when
// before is 0), newest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before > 0 {
		query += ` AND created_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return listMessages(ctx, db, query, args...)
}

// ConversationMessages returns every message of a conversation in
// chronological order.
func (db *DB) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return listMessages(ctx, db, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
}

// ConversationMessages is the transactional variant of DB.ConversationMessages.
func (tx *Tx) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return listMessages(ctx, tx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
}

func listMessages(ctx context.Context, q querier, query string, args ...any) ([]Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if err := attachReceipts(ctx, q, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func attachReceipts(ctx context.Context, q querier, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args[i] = m.ID
	}
	rows, err := q.QueryContext(ctx, `
		SELECT message_id, role, read_at FROM message_reads
		WHERE message_id IN (`+placeholders(len(msgs))+`)
		ORDER BY read_at ASC, rowid ASC`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var r ReadReceipt
		if err := rows.Scan(&id, &r.Role, &r.ReadAt); err != nil {
			return err
		}
		i := index[id]
		msgs[i].ReadBy = append(msgs[i].ReadBy, r)
	}
	return rows.Err()
}

// InsertReadReceipt records that role read a message. It reports whether the
// receipt is new.
func (tx *Tx) InsertReadReceipt(ctx context.Context, messageID string, role Role, at int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, role, read_at) VALUES (?, ?, ?)`,
		messageID, role, at)
	if err != nil {
		return false, fmt.Errorf("insert read receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkConversationMessagesRead appends a receipt for role to every message of
// the conversation sent by another role that role has not read yet.
func (tx *Tx) MarkConversationMessagesRead(ctx context.Context, conversationID string, role Role, at int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_reads (message_id, role, read_at)
		SELECT id, ?, ? FROM messages WHERE conversation_id = ? AND sender_role != ?
		ORDER BY created_at ASC`,
		role, at, conversationID, role)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnreadMessages counts the messages of a conversation sent by another
// role that carry no receipt for role.
func (db *DB) CountUnreadMessages(ctx context.Context, conversationID string, role Role) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_role != ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.role = ?)`,
		conversationID, role, role).Scan(&n)
	return n, err
}

// SoftDeleteMessage flags a message as deleted. It reports whether the
// message was live before the call.
func (tx *Tx) SoftDeleteMessage(ctx context.Context, id, deletedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ?, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL`, time.Now().UnixMilli(), deletedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetModerationStatus updates the screening annotation of a message.
func (tx *Tx) SetModerationStatus(ctx context.Context, id string, status ModerationStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE messages SET moderation_status = ? WHERE id = ?`, status, id)
	return err
}

// ResolveCandidate is a message row visited by the identity resolution pass.
type ResolveCandidate struct {
	RowID   int64
	Message Message
}

// MessagesAfter returns up to limit messages with a rowid greater than
// afterRowID, in rowid order.
func (db *DB) MessagesAfter(ctx context.Context, afterRowID int64, limit int) ([]ResolveCandidate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rowid, `+messageColumns+` FROM messages
		WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`, afterRowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ResolveCandidate
	for rows.Next() {
		var c ResolveCandidate
		m := &c.Message
		if err := rows.Scan(&c.RowID, &m.ID, &m.ConversationID, &m.SenderID, &m.SenderRole, &m.DisplayedSenderName,
			&m.Body, &m.BodyHTML, &m.BodyHTMLSafe, &m.SanitizeVersion, &m.IsSystem, &m.ModerationStatus,
			&m.ForwardedFromID, &m.DeletedAt, &m.DeletedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateMessageIdentity fills in the denormalized sender fields.
func (db *DB) UpdateMessageIdentity(ctx context.Context, id string, role Role, displayName string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET sender_role = ?, displayed_sender_name = ? WHERE id = ?`,
		role, displayName, id)
	return err
}

// UpdateMessageSafeHTML replaces the derived web rendering of a message.
func (db *DB) UpdateMessageSafeHTML(ctx context.Context, id, safe string, version int) error {
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET body_html_safe = ?, sanitize_version = ? WHERE id = ?`,
		safe, version, id)
	return err
}
