package store

import (
	"context"
	"database/sql"
	"fmt"
)

const notificationColumns = `
	id, recipient_id, type, params, params_safe, params_version, safe_version,
	action_url, conversation_id, message_id, COALESCE(read_at, 0), archived,
	COALESCE(archived_at, 0), created_at`

func scanNotification(s scanner) (*Notification, error) {
	var n Notification
	var params, safe string
	err := s.Scan(&n.ID, &n.RecipientID, &n.Type, &params, &safe, &n.ParamsVersion, &n.SafeVersion,
		&n.ActionURL, &n.ConversationID, &n.MessageID, &n.ReadAt, &n.Archived,
		&n.ArchivedAt, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.Params = []byte(params)
	n.ParamsSafe = []byte(safe)
	return &n, nil
}

// InsertNotification stores a new notification.
func (tx *Tx) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, params, params_safe, params_version,
			safe_version, action_url, conversation_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, n.Type, string(n.Params), string(n.ParamsSafe), n.ParamsVersion,
		n.SafeVersion, n.ActionURL, n.ConversationID, n.MessageID, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetNotification returns a notification by id, or nil if not found.
func (db *DB) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	UnreadOnly bool
	Archived   bool
	Limit      int
	Offset     int
}

// ListNotifications returns a recipient's notifications, newest first, and
// the total matching the filter.
func (db *DB) ListNotifications(ctx context.Context, recipientID string, f NotificationFilter) ([]Notification, int, error) {
	where := `WHERE recipient_id = ? AND archived = ?`
	args := []any{recipientID, f.Archived}
	if f.UnreadOnly {
		where += ` AND read_at IS NULL`
	}
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications `+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *n)
	}
	return out, total, rows.Err()
}

// UnreadNotificationCount counts unread, unarchived notifications.
func (db *DB) UnreadNotificationCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = ? AND read_at IS NULL AND archived = 0`, recipientID).Scan(&n)
	return n, err
}

// MarkNotificationsRead sets read_at on the recipient's unread notifications
// among ids.
func (db *DB) MarkNotificationsRead(ctx context.Context, recipientID string, ids []string, at int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{at, recipientID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE notifications SET read_at = ?
		WHERE recipient_id = ? AND read_at IS NULL AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkAllNotificationsRead sets read_at on every unread notification of the
// recipient.
func (db *DB) MarkAllNotificationsRead(ctx context.Context, recipientID string, at int64) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE notifications SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL`, at, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteNotification removes a notification and any queued email copy.
func (db *DB) DeleteNotification(ctx context.Context, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetNotificationArchived archives or restores a notification.
func (db *DB) SetNotificationArchived(ctx context.Context, id string, archived bool, at int64) error {
	var archivedAt any
	if archived {
		archivedAt = at
	}
	_, err := db.ExecContext(ctx, `UPDATE notifications SET archived = ?, archived_at = ? WHERE id = ?`,
		archived, archivedAt, id)
	return err
}

// StaleNotification is a notification whose derived params predate the
// current sanitizer.
type StaleNotification struct {
	RowID  int64
	ID     string
	Params []byte
}

// StaleNotifications returns up to limit notifications after afterRowID whose
// safe_version is below version.
func (db *DB) StaleNotifications(ctx context.Context, afterRowID int64, version, limit int) ([]StaleNotification, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rowid, id, params FROM notifications
		WHERE rowid > ? AND safe_version < ? ORDER BY rowid ASC LIMIT ?`, afterRowID, version, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StaleNotification
	for rows.Next() {
		var s StaleNotification
		var params string
		if err := rows.Scan(&s.RowID, &s.ID, &params); err != nil {
			return nil, err
		}
		s.Params = []byte(params)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReplaceNotificationSafeParams writes a full replacement of params_safe and
// bumps params_version so readers see the nested change.
func (db *DB) ReplaceNotificationSafeParams(ctx context.Context, id string, safe []byte, version int) error {
	_, err := db.ExecContext(ctx, `
		UPDATE notifications SET params_safe = ?, safe_version = ?, params_version = params_version + 1
		WHERE id = ?`, string(safe), version, id)
	return err
}
