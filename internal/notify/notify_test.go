package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/mocks"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
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

func safeField(t *testing.T, raw []byte, key string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	s, _ := m[key].(string)
	return s
}

func TestSafeParamsLegacyNotification(t *testing.T) {
	raw := []byte(`{"message":"<a href=\"javascript:alert(1)\">bad</a> <a href=\"/dashboard\">Go to Dashboard</a>","count":3}`)
	safe, err := notify.SafeParams(raw)
	require.NoError(t, err)

	msg := safeField(t, safe, "message")
	assert.Contains(t, msg, `href="/dashboard"`)
	assert.NotContains(t, strings.ToLower(msg), "javascript:")
	assert.Contains(t, string(safe), `"count":3`)
}

func TestSafeParamsNested(t *testing.T) {
	safe, err := notify.SafeParams([]byte(`{"items":[{"title":"<script>x</script>ok"}],"meta":{"note":"<b>hi</b>"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"title":"ok"}],"meta":{"note":"<b>hi</b>"}}`, string(safe))

	again, err := notify.SafeParams(safe)
	require.NoError(t, err)
	assert.JSONEq(t, string(safe), string(again))
}

func TestEmitPushesAfterCommit(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	pusher := mocks.NewMockPusher(ctrl)
	svc := notify.NewService(db, pusher, nil, nil, notify.Options{})

	pusher.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, evt bus.Event) error {
		require.Equal(t, bus.KindNotificationCreated, evt.Kind)
		require.Equal(t, "u1", evt.Recipient)
		payload := evt.Payload.(notify.CreatedPayload)
		// The record must already be visible outside the write transaction.
		stored, err := db.GetNotification(ctx, payload.Notification.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Equal(t, 1, payload.UnreadCount)
		return nil
	})

	n, err := svc.Emit(context.Background(), notify.Event{
		RecipientID: "u1",
		Type:        notify.TypeNewMessage,
		Params:      map[string]any{"message": `Please visit <a href="/dashboard">Dashboard</a>`},
	})
	require.NoError(t, err)
	assert.Contains(t, safeField(t, n.ParamsSafe, "message"), `href="/dashboard"`)
}

func TestPushFailureIsNotReturned(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	pusher := mocks.NewMockPusher(ctrl)
	pusher.EXPECT().Push(gomock.Any(), gomock.Any()).Return(errors.New("socket closed"))
	svc := notify.NewService(db, pusher, nil, nil, notify.Options{})

	n, err := svc.Emit(context.Background(), notify.Event{RecipientID: "u1", Type: notify.TypeSystemAnnouncement})
	require.NoError(t, err)

	count, err := svc.UnreadCount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotEmpty(t, n.ID)
}

func TestEmitRejectsInvalidEvents(t *testing.T) {
	svc := notify.NewService(testDB(t), nil, nil, nil, notify.Options{})
	ctx := context.Background()

	_, err := svc.Emit(ctx, notify.Event{RecipientID: "u1", Type: "party"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Emit(ctx, notify.Event{Type: notify.TypeNewMessage})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Emit(ctx, notify.Event{RecipientID: "u1", Type: notify.TypeNewMessage, Email: &notify.EmailCopy{To: "not-an-address", Subject: "s"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEmailCopyUsesEmailPolicy(t *testing.T) {
	db := testDB(t)
	svc := notify.NewService(db, nil, nil, nil, notify.Options{EmailBaseURL: "https://app.test"})

	_, err := svc.Emit(context.Background(), notify.Event{
		RecipientID: "u1",
		Type:        notify.TypeNewMessage,
		Params:      map[string]any{"message": `<a href="/dashboard">Go</a>`},
		ActionURL:   "/conversations/c1",
		Email:       &notify.EmailCopy{To: "u1@example.com", Subject: "<b>New</b> message"},
	})
	require.NoError(t, err)

	pending, err := db.PendingEmails(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "New message", pending[0].Subject)
	assert.Contains(t, pending[0].HTMLBody, `href="https://app.test/dashboard"`)
	assert.Contains(t, pending[0].HTMLBody, `href="https://app.test/conversations/c1"`)
	assert.Contains(t, pending[0].HTMLBody, `rel="noopener noreferrer nofollow"`)
}

func TestReadArchiveDeleteReturnFreshCount(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	pusher := mocks.NewMockPusher(ctrl)
	pusher.EXPECT().Push(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	svc := notify.NewService(db, pusher, nil, nil, notify.Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		n, err := svc.Emit(ctx, notify.Event{RecipientID: "u1", Type: notify.TypeNewMessage})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	count, err := svc.MarkRead(ctx, "u1", []string{ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = svc.MarkRead(ctx, "u1", []string{ids[0]})
	require.NoError(t, err)
	assert.Equal(t, 3, count, "marking read twice is a no-op")

	count, err = svc.Archive(ctx, "u1", ids[1])
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = svc.Unarchive(ctx, "u1", ids[1])
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = svc.Delete(ctx, "u1", ids[2])
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = svc.MarkAllRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOwnershipChecks(t *testing.T) {
	svc := notify.NewService(testDB(t), nil, nil, nil, notify.Options{})
	ctx := context.Background()
	n, err := svc.Emit(ctx, notify.Event{RecipientID: "u1", Type: notify.TypeProfileView})
	require.NoError(t, err)

	_, err = svc.Delete(ctx, "u2", n.ID)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = svc.Archive(ctx, "u1", "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.MarkRead(ctx, "u1", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestListPagination(t *testing.T) {
	svc := notify.NewService(testDB(t), nil, nil, nil, notify.Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.Emit(ctx, notify.Event{RecipientID: "u1", Type: notify.TypeNewMessage})
		require.NoError(t, err)
	}
	_, err := svc.Emit(ctx, notify.Event{RecipientID: "u2", Type: notify.TypeNewMessage})
	require.NoError(t, err)

	page, err := svc.List(ctx, "u1", notify.ListOptions{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Notifications, 2)
	assert.Equal(t, notify.Pagination{Page: 2, Limit: 2, Total: 5, Pages: 3}, page.Pagination)
	assert.Equal(t, 5, page.UnreadCount)

	page, err = svc.List(ctx, "u1", notify.ListOptions{Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Pagination.Limit)

	_, err = svc.List(ctx, "u1", notify.ListOptions{Limit: -1})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
