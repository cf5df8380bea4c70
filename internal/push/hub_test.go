package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, origins ...string) (*bus.Bus, *Hub, *httptest.Server) {
	t.Helper()
	b := bus.New()
	hub := NewHub(b, nil, nil, origins)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("user"), r.URL.Query().Get("role"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return b, hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	f := readFrame(t, conn)
	require.Equal(t, "connected", f.Type)
	return conn
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) rawFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f rawFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func waitSubscribers(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Subscribers() >= n }, 5*time.Second, 10*time.Millisecond)
}

func TestHubDeliversOnlyAddressedEvents(t *testing.T) {
	b, _, srv := startHub(t)
	conn := dial(t, srv, "u1", "client")
	waitSubscribers(t, b, len(Namespaces))

	b.Publish(bus.Event{Kind: bus.KindNotificationCreated, Recipient: "u2", Payload: map[string]string{"for": "u2"}, Timestamp: time.Now()})
	b.Publish(bus.Event{Kind: bus.KindInterceptUnread, Role: "admin", Payload: map[string]int{"unreadTotal": 3}, Timestamp: time.Now()})
	b.Publish(bus.Event{Kind: "status.changed", Recipient: "u1", Timestamp: time.Now()})
	b.Publish(bus.Event{Kind: bus.KindNotificationCreated, Recipient: "u1", Payload: map[string]string{"for": "u1"}, Timestamp: time.Now()})

	f := readFrame(t, conn)
	assert.Equal(t, bus.KindNotificationCreated, f.Type)
	assert.JSONEq(t, `{"for":"u1"}`, string(f.Data))
}

func TestHubRoleBroadcast(t *testing.T) {
	b, hub, srv := startHub(t)
	admin := dial(t, srv, "op1", "admin")
	waitSubscribers(t, b, len(Namespaces))
	require.Equal(t, 1, hub.Sessions())

	b.Publish(bus.Event{Kind: bus.KindInterceptUnread, Role: "admin", Payload: map[string]int{"unreadTotal": 3}, Timestamp: time.Now()})

	f := readFrame(t, admin)
	assert.Equal(t, bus.KindInterceptUnread, f.Type)
	assert.JSONEq(t, `{"unreadTotal":3}`, string(f.Data))
}

func TestHubUnsubscribesOnDisconnect(t *testing.T) {
	b, hub, srv := startHub(t)
	conn := dial(t, srv, "u1", "client")
	waitSubscribers(t, b, len(Namespaces))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.Subscribers() == 0 && hub.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	_, _, srv := startHub(t, "https://app.test")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=u1&role=client"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.test"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestPublisherHonorsContext(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("notification.", 1)
	defer unsub()
	p := NewPublisher(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Push(ctx, bus.Event{Kind: bus.KindNotificationCreated}), context.Canceled)

	require.NoError(t, p.Push(context.Background(), bus.Event{Kind: bus.KindNotificationCreated, Recipient: "u1"}))
	evt := <-ch
	assert.Equal(t, "u1", evt.Recipient)
}
