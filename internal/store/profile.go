package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertProfile inserts or updates a profile. An empty display name never
// overwrites a known one.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, role, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			role = excluded.role,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
			updated_at = excluded.updated_at`,
		p.UserID, p.Role, p.DisplayName, now)
	return err
}

// GetProfile returns a profile by user id.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return getProfile(ctx, db, userID)
}

// GetProfile is the transactional variant of DB.GetProfile.
func (tx *Tx) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return getProfile(ctx, tx, userID)
}

func getProfile(ctx context.Context, q querier, userID string) (*Profile, error) {
	var p Profile
	err := q.QueryRowContext(ctx, `SELECT user_id, role, display_name FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Role, &p.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DisplayName resolves a user's display name, falling back to the id.
func (db *DB) DisplayName(ctx context.Context, userID string) (string, error) {
	return displayName(ctx, db, userID)
}

// DisplayName is the transactional variant of DB.DisplayName.
func (tx *Tx) DisplayName(ctx context.Context, userID string) (string, error) {
	return displayName(ctx, tx, userID)
}

func displayName(ctx context.Context, q querier, userID string) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(NULLIF(display_name, ''), user_id) FROM profiles WHERE user_id = ?`, userID).Scan(&name)
	if err == sql.ErrNoRows {
		return userID, nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
