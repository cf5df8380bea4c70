package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/mediate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newConversation(t *testing.T, db *store.DB, intercepted bool) *store.Conversation {
	t.Helper()
	now := time.Now().UnixMilli()
	c := &store.Conversation{
		ID: "c1", Kind: store.KindDirect, ClientID: "u1", ProviderID: "p1",
		IsIntercepted: intercepted, CreatedAt: now, UpdatedAt: now,
		Participants: []store.Participant{
			{UserID: "u1", Role: store.RoleClient, JoinedAt: now},
			{UserID: "p1", Role: store.RoleProvider, JoinedAt: now},
		},
	}
	if intercepted {
		c.AdminStatus = store.AdminPending
		c.InterceptedAt = now
	}
	require.NoError(t, db.InTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertConversation(context.Background(), c)
	}))
	return c
}

func addMessage(t *testing.T, db *store.DB, conv *store.Conversation, id, sender string, role store.Role) *store.Message {
	t.Helper()
	ctx := context.Background()
	m := &store.Message{ID: id, ConversationID: conv.ID, SenderID: sender, SenderRole: role, ModerationStatus: store.ModerationApproved}
	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		at, err := tx.NextMessageTime(ctx, conv.ID, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		m.CreatedAt = at
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		_, err = RecordMessage(ctx, tx, conv, role)
		return err
	}))
	return m
}

func counters(t *testing.T, db *store.DB, id string) store.UnreadCounts {
	t.Helper()
	c, err := db.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return c.Unread
}

func TestBumpRoles(t *testing.T) {
	direct := &store.Conversation{Participants: []store.Participant{{UserID: "u1", Role: store.RoleClient}, {UserID: "p1", Role: store.RoleProvider}}}
	assert.Equal(t, []store.Role{store.RoleProvider}, BumpRoles(direct, store.RoleClient))
	assert.Equal(t, []store.Role{store.RoleClient}, BumpRoles(direct, store.RoleProvider))

	intercepted := *direct
	intercepted.IsIntercepted = true
	assert.Equal(t, []store.Role{store.RoleAdmin}, BumpRoles(&intercepted, store.RoleClient))
	assert.Equal(t, []store.Role{store.RoleClient}, BumpRoles(&intercepted, store.RoleAdmin))
	assert.Equal(t, []store.Role{store.RoleClient, store.RoleAdmin}, BumpRoles(&intercepted, store.RoleProvider))
	assert.NotContains(t, BumpRoles(&intercepted, store.RoleClient), store.RoleProvider, "provider stays pinned even when it is a participant")
}

func TestInterceptedUnreadInvariant(t *testing.T) {
	db := testDB(t)
	conv := newConversation(t, db, true)
	const n = 5
	for i := 0; i < n; i++ {
		addMessage(t, db, conv, fmt.Sprintf("m%d", i), "u1", store.RoleClient)
		got := counters(t, db, conv.ID)
		assert.Equal(t, 0, got.Provider)
		assert.Equal(t, i+1, got.Admin)
	}
	mismatches, err := Audit(context.Background(), db, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestMarkMessageReadIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, false)
	m1 := addMessage(t, db, conv, "m1", "u1", store.RoleClient)
	addMessage(t, db, conv, "m2", "u1", store.RoleClient)
	require.Equal(t, 2, counters(t, db, conv.ID).Provider)

	for i := 0; i < 2; i++ {
		require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
			_, err := MarkMessageRead(ctx, tx, m1, store.RoleProvider)
			return err
		}))
		assert.Equal(t, 1, counters(t, db, conv.ID).Provider, "call %d", i+1)
	}

	mismatches, err := Audit(ctx, db, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestOwnMessageReadDoesNotDecrement(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, false)
	addMessage(t, db, conv, "m1", "p1", store.RoleProvider)
	own := addMessage(t, db, conv, "m2", "u1", store.RoleClient)
	require.Equal(t, 1, counters(t, db, conv.ID).Client)

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		_, err := MarkMessageRead(ctx, tx, own, store.RoleClient)
		return err
	}))
	assert.Equal(t, 1, counters(t, db, conv.ID).Client)
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, false)
	addMessage(t, db, conv, "m1", "u1", store.RoleClient)
	addMessage(t, db, conv, "m2", "u1", store.RoleClient)
	addMessage(t, db, conv, "m3", "p1", store.RoleProvider)

	for i := 0; i < 2; i++ {
		require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
			_, err := MarkConversationRead(ctx, tx, conv.ID, store.RoleProvider)
			return err
		}))
	}
	got := counters(t, db, conv.ID)
	assert.Equal(t, 0, got.Provider)
	assert.Equal(t, 1, got.Client)

	m, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, m.ReadBy, 1)
	assert.Equal(t, store.RoleProvider, m.ReadBy[0].Role)

	// Reading a message after the conversation was marked read is a no-op.
	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		inserted, err := MarkMessageRead(ctx, tx, m, store.RoleProvider)
		assert.False(t, inserted)
		return err
	}))
	assert.Equal(t, 0, counters(t, db, conv.ID).Provider)

	mismatches, err := Audit(ctx, db, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestAuditReportsDrift(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, false)
	addMessage(t, db, conv, "m1", "u1", store.RoleClient)
	_, err := db.ExecContext(ctx, `UPDATE conversations SET unread_provider = 7 WHERE id = ?`, conv.ID)
	require.NoError(t, err)

	mismatches, err := Audit(ctx, db, conv.ID)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, Mismatch{Role: store.RoleProvider, Counter: 7, Expected: 1}, mismatches[0])
}

func TestMarkAllReadClearsEachSeat(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := newConversation(t, db, false)
	addMessage(t, db, conv, "m1", "u1", store.RoleClient)
	addMessage(t, db, conv, "m2", "u1", store.RoleClient)
	addMessage(t, db, conv, "m3", "p1", store.RoleProvider)
	require.Equal(t, store.UnreadCounts{Client: 1, Provider: 2}, counters(t, db, conv.ID))

	seats := []Seat{{ConversationID: conv.ID, Role: store.RoleProvider}, {ConversationID: conv.ID, Role: store.RoleClient}}
	var n int64
	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = MarkAllRead(ctx, tx, seats)
		return err
	}))
	assert.EqualValues(t, 3, n)
	assert.Equal(t, store.UnreadCounts{}, counters(t, db, conv.ID))

	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = MarkAllRead(ctx, tx, seats)
		return err
	}))
	assert.Zero(t, n, "a second pass appends nothing")
	mismatches, err := Audit(ctx, db, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}
