package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/mediate/internal/mocks"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queueEmail(t *testing.T, db *store.DB, to string) {
	t.Helper()
	svc := notify.NewService(db, nil, nil, nil, notify.Options{EmailBaseURL: "https://app.test"})
	_, err := svc.Emit(context.Background(), notify.Event{
		RecipientID: "u1",
		Type:        notify.TypeNewMessage,
		Params:      map[string]any{"message": `Please visit <a href="/dashboard">Dashboard</a>`},
		ActionURL:   "/conversations/c1",
		Email:       &notify.EmailCopy{To: to, Subject: "New message"},
	})
	require.NoError(t, err)
}

func emailState(t *testing.T, db *store.DB) (status string, attempts int) {
	t.Helper()
	err := db.QueryRowContext(context.Background(), `SELECT status, attempts FROM email_outbox ORDER BY id LIMIT 1`).Scan(&status, &attempts)
	require.NoError(t, err)
	return status, attempts
}

func TestDrainSendsQueuedEmails(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl)
	queueEmail(t, db, "ana@example.com")

	mailer.EXPECT().Send(gomock.Any(), "ana@example.com", "New message", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _, body string) error {
			assert.Contains(t, body, `href="https://app.test/dashboard"`)
			assert.Contains(t, body, `rel="noopener noreferrer nofollow"`)
			return nil
		})

	s := NewSender(db, mailer, zap.NewNop(), nil, Options{})
	sent, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	status, attempts := emailState(t, db)
	assert.Equal(t, "sent", status)
	assert.Equal(t, 1, attempts)

	// A drained outbox stays quiet.
	sent, err = s.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestDrainRetriesUntilMaxAttempts(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl)
	queueEmail(t, db, "ana@example.com")

	mailer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("relay down")).Times(2)

	s := NewSender(db, mailer, nil, nil, Options{MaxAttempts: 2})
	for range 4 {
		sent, err := s.Drain(context.Background())
		require.NoError(t, err)
		assert.Zero(t, sent)
	}

	status, attempts := emailState(t, db)
	assert.Equal(t, "failed", status)
	assert.Equal(t, 2, attempts)

	var msg string
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT error_message FROM email_outbox LIMIT 1`).Scan(&msg))
	assert.True(t, strings.Contains(msg, "relay down"))
}

func TestSenderLoopDrainsInBackground(t *testing.T) {
	db := testDB(t)
	ctrl := gomock.NewController(t)
	mailer := mocks.NewMockMailer(ctrl)
	queueEmail(t, db, "ana@example.com")

	delivered := make(chan struct{})
	mailer.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, string) error {
			close(delivered)
			return nil
		})

	s := NewSender(db, mailer, nil, nil, Options{Interval: 10 * time.Millisecond})
	s.Start(context.Background())
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	s.Stop()

	pending, err := db.PendingEmails(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLogMailer(t *testing.T) {
	m := LogMailer{Logger: zap.NewNop()}
	assert.NoError(t, m.Send(context.Background(), "a@b.c", "s", "<p>x</p>"))
	assert.Equal(t, "a  b", headerSafe("a\r\nb"))
}
