package resolve

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// UpdateCheckpoint stores the last rowid a pass has completed.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key string, rowID int64) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resolve_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(rowID, 10), now)
	return err
}

// Checkpoint returns the last rowid a pass completed, or zero.
func (r *Reconciler) Checkpoint(ctx context.Context, key string) (int64, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM resolve_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// ResetCheckpoints forgets every pass position so the next run starts over.
func (r *Reconciler) ResetCheckpoints(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM resolve_state`)
	return err
}
