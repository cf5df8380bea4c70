package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `
	id, kind, client_id, provider_id, operator_id, COALESCE(pair_key, ''),
	is_intercepted, admin_status, admin_notes, original_sender_id,
	COALESCE(intercepted_at, 0), COALESCE(linked_conversation_id, ''), COALESCE(forwarded_from_id, ''),
	unread_client, unread_provider, unread_admin,
	last_message_id, last_message_preview, last_message_at, created_at, updated_at,
	COALESCE(archived_at, 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	err := s.Scan(&c.ID, &c.Kind, &c.ClientID, &c.ProviderID, &c.OperatorID, &c.PairKey,
		&c.IsIntercepted, &c.AdminStatus, &c.AdminNotes, &c.OriginalSenderID,
		&c.InterceptedAt, &c.LinkedConversationID, &c.ForwardedFromID,
		&c.Unread.Client, &c.Unread.Provider, &c.Unread.Admin,
		&c.LastMessageID, &c.LastMessagePreview, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
		&c.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func unreadColumn(role Role) (string, error) {
	switch role {
	case RoleClient:
		return "unread_client", nil
	case RoleProvider:
		return "unread_provider", nil
	case RoleAdmin:
		return "unread_admin", nil
	}
	return "", fmt.Errorf("unknown role %q", role)
}

// InsertConversation creates a conversation together with its participants.
func (tx *Tx) InsertConversation(ctx context.Context, c *Conversation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, client_id, provider_id, operator_id, pair_key,
			is_intercepted, admin_status, original_sender_id, intercepted_at, forwarded_from_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Kind, c.ClientID, c.ProviderID, c.OperatorID, nullString(c.PairKey),
		c.IsIntercepted, c.AdminStatus, c.OriginalSenderID, nullInt(c.InterceptedAt), nullString(c.ForwardedFromID),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, p := range c.Participants {
		if err := tx.AddParticipant(ctx, c.ID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return err
		}
	}
	return nil
}

// AddParticipant adds userID to a conversation. Existing members are left as is.
func (tx *Tx) AddParticipant(ctx context.Context, conversationID, userID string, role Role, joinedAt int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)`, conversationID, userID, role, joinedAt)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// GetConversation returns a conversation with its participants, or nil if it
// does not exist.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, db, `WHERE id = ?`, id)
}

// GetConversation is the transactional variant of DB.GetConversation.
func (tx *Tx) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, tx, `WHERE id = ?`, id)
}

// ConversationByPairKey looks up the conversation owning a pair key.
func (tx *Tx) ConversationByPairKey(ctx context.Context, key string) (*Conversation, error) {
	return getConversation(ctx, tx, `WHERE pair_key = ?`, key)
}

func getConversation(ctx context.Context, q querier, where string, args ...any) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Participants, err = participants(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func participants(ctx context.Context, q querier, conversationID string) ([]Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, role, joined_at FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at ASC, user_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LinkConversation sets the linked conversation of sourceID unless one is
// already set. It reports whether this call claimed the link.
func (tx *Tx) LinkConversation(ctx context.Context, sourceID, linkedID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET linked_conversation_id = ?, updated_at = ?
		WHERE id = ? AND linked_conversation_id IS NULL`,
		linkedID, time.Now().UnixMilli(), sourceID)
	if err != nil {
		return false, fmt.Errorf("link conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAdminStatus updates the workflow state only.
func (tx *Tx) SetAdminStatus(ctx context.Context, id string, status AdminStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET admin_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	return err
}

// SetAdminNotes replaces the operator notes of a conversation.
func (tx *Tx) SetAdminNotes(ctx context.Context, id, notes string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET admin_notes = ?, updated_at = ? WHERE id = ?`,
		notes, time.Now().UnixMilli(), id)
	return err
}

// IncrementUnread bumps the counters of roles by one in a single statement.
func (tx *Tx) IncrementUnread(ctx context.Context, id string, roles []Role) error {
	if len(roles) == 0 {
		return nil
	}
	sets := make([]string, 0, len(roles))
	for _, r := range roles {
		col, err := unreadColumn(r)
		if err != nil {
			return err
		}
		sets = append(sets, col+" = "+col+" + 1")
	}
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// ResetUnread zeroes the counter of role.
func (tx *Tx) ResetUnread(ctx context.Context, id string, role Role) error {
	col, err := unreadColumn(role)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET `+col+` = 0 WHERE id = ?`, id)
	return err
}

// DecrementUnread lowers the counter of role by one, never below zero.
func (tx *Tx) DecrementUnread(ctx context.Context, id string, role Role) error {
	col, err := unreadColumn(role)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET `+col+` = MAX(`+col+` - 1, 0) WHERE id = ?`, id)
	return err
}

// TouchLastMessage updates the denormalized latest-message cache.
func (tx *Tx) TouchLastMessage(ctx context.Context, id, messageID, preview string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_message_preview = ?,
			last_message_at = MAX(last_message_at, ?), updated_at = ?
		WHERE id = ?`, messageID, preview, at, time.Now().UnixMilli(), id)
	return err
}

// visibleTo selects the conversations a user may see as a participant. A
// provider loses sight of a conversation while it is intercepted.
const visibleTo = `SELECT p.conversation_id FROM conversation_participants p
	JOIN conversations c ON c.id = p.conversation_id
	WHERE p.user_id = ? AND (c.is_intercepted = 0 OR p.role <> 'provider')`

// ConversationIDsForUser returns the ids of the conversations userID is a
// visible participant of.
func (tx *Tx) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return ids(ctx, tx, visibleTo+` ORDER BY p.conversation_id`, userID)
}

// UnreadTotal sums, over every conversation userID may see, the counter of
// the role userID holds there.
func (db *DB) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var total int
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE p.role
			WHEN 'client' THEN c.unread_client
			WHEN 'provider' THEN c.unread_provider
			ELSE c.unread_admin END), 0)
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.user_id = ? AND (c.is_intercepted = 0 OR p.role <> 'provider')`, userID).Scan(&total)
	return total, err
}

// ArchiveConversation marks a conversation archived at the given time. It
// reports false when the conversation was already archived.
func (tx *Tx) ArchiveConversation(ctx context.Context, id string, at int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET archived_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL`, at, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InterceptedConversationIDs returns the ids of all intercepted conversations.
func (tx *Tx) InterceptedConversationIDs(ctx context.Context) ([]string, error) {
	return ids(ctx, tx, `SELECT id FROM conversations WHERE is_intercepted = 1 ORDER BY id`)
}

func ids(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ConversationFilter narrows ListConversations. Archived selects archived
// conversations instead of active ones.
type ConversationFilter struct {
	UserID   string
	Archived bool
	Limit    int
	Offset   int
}

// ListConversations returns the conversations a user may see, most recent
// first, and the total matching the filter.
func (db *DB) ListConversations(ctx context.Context, f ConversationFilter) ([]Conversation, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := `WHERE id IN (` + visibleTo + `)`
	if f.Archived {
		where += ` AND archived_at IS NOT NULL`
	} else {
		where += ` AND archived_at IS NULL`
	}
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations `+where, f.UserID).Scan(&total); err != nil {
		return nil, 0, err
	}
	convs, err := listConversations(ctx, db, where+` ORDER BY last_message_at DESC, id DESC LIMIT ? OFFSET ?`, f.UserID, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// InterceptFilter narrows ListIntercepted. An empty Status matches all.
type InterceptFilter struct {
	Status AdminStatus
	Limit  int
	Offset int
}

// ListIntercepted returns intercepted conversations, most recent first, and
// the total matching the filter.
func (db *DB) ListIntercepted(ctx context.Context, f InterceptFilter) ([]Conversation, int, error) {
	where := `WHERE is_intercepted = 1`
	args := []any{}
	if f.Status != "" {
		where += ` AND admin_status = ?`
		args = append(args, f.Status)
	}
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	convs, err := listConversations(ctx, db, where+` ORDER BY last_message_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

func listConversations(ctx context.Context, q querier, tail string, args ...any) ([]Conversation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations `+tail, args...)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, *c)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range convs {
		if convs[i].Participants, err = participants(ctx, q, convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// InterceptStats summarizes the intercept queue.
type InterceptStats struct {
	Total         int
	ByStatus      map[AdminStatus]int
	UnreadTotal   int
	UnreadThreads int
}

// InterceptStats counts intercepted conversations per workflow state and sums
// the operator pool's unread counters.
func (db *DB) InterceptStats(ctx context.Context) (*InterceptStats, error) {
	stats := &InterceptStats{ByStatus: make(map[AdminStatus]int, len(AdminStatuses))}
	for _, s := range AdminStatuses {
		stats.ByStatus[s] = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT admin_status, COUNT(*) FROM conversations
		WHERE is_intercepted = 1 GROUP BY admin_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status AdminStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread_admin), 0), COUNT(CASE WHEN unread_admin > 0 THEN 1 END)
		FROM conversations WHERE is_intercepted = 1`).Scan(&stats.UnreadTotal, &stats.UnreadThreads)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
