package store

import (
	"context"
	"time"
)

// QueueEmail adds an email copy of a notification to the outbox.
func (tx *Tx) QueueEmail(ctx context.Context, e *OutboxEmail) error {
	now := time.Now().UnixMilli()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_outbox (notification_id, recipient, subject, html_body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		e.NotificationID, e.Recipient, e.Subject, e.HTMLBody, now, now)
	return err
}

// MarkEmailSending updates an outbox entry to 'sending' status.
func (db *DB) MarkEmailSending(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE email_outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkEmailSent updates an outbox entry to 'sent'.
func (db *DB) MarkEmailSent(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE email_outbox SET status = 'sent', error_message = '', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkEmailFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkEmailFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE email_outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`, errMsg, now, id)
	return err
}

// RequeueFailedEmails moves failed entries with fewer than maxAttempts back
// to 'queued'.
func (db *DB) RequeueFailedEmails(ctx context.Context, maxAttempts int) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE email_outbox SET status = 'queued', updated_at = ?
		WHERE status = 'failed' AND attempts < ?`, now, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingEmails returns outbox entries that are still queued.
func (db *DB) PendingEmails(ctx context.Context, limit int) ([]OutboxEmail, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, notification_id, recipient, subject, html_body, status, error_message, attempts
		FROM email_outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEmail
	for rows.Next() {
		var e OutboxEmail
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Recipient, &e.Subject, &e.HTMLBody, &e.Status, &e.ErrorMessage, &e.Attempts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
