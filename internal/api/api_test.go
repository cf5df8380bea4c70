package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/conversation"
	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/status"
	"github.com/matheus3301/mediate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identity struct {
	id, role, name string
}

var (
	client   = identity{"c1", "client", "Carla"}
	provider = identity{"p1", "provider", "Dr. Ana"}
	operator = identity{"op1", "admin", "Olga"}
)

type env struct {
	srv     *httptest.Server
	db      *store.DB
	status  *status.Machine
	metrics *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New()
	machine := status.NewMachine(bus.New())
	notes := notify.NewService(db, nil, nil, m, notify.Options{})
	convs := conversation.NewService(conversation.Deps{
		DB:       db,
		Notifier: notes,
		Policy:   conversation.Always(),
		Metrics:  m,
	}, conversation.Options{})
	s := NewServer(Deps{
		DB:            db,
		Conversations: convs,
		Notifications: notes,
		Status:        machine,
		Metrics:       m,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, db: db, status: machine, metrics: m}
}

func (e *env) do(t *testing.T, who *identity, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if who != nil {
		req.Header.Set(HeaderUserID, who.id)
		req.Header.Set(HeaderUserRole, who.role)
		req.Header.Set(HeaderUserName, who.name)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestIdentityRequired(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, nil, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", errorCode(body))

	code, body = e.do(t, &identity{"x", "superuser", ""}, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", errorCode(body))
}

func TestIdentityUpsertsProfile(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, &provider, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)

	p, err := e.db.GetProfile(context.Background(), provider.id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Dr. Ana", p.DisplayName)
	assert.Equal(t, store.RoleProvider, p.Role)
}

func TestLimitParsing(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{"limit=0", "limit=-3", "limit=abc", "page=0"} {
		code, body := e.do(t, &client, http.MethodGet, "/conversations?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, "validation_error", errorCode(body), q)
	}

	code, body := e.do(t, &client, http.MethodGet, "/conversations?limit=500", nil)
	require.Equal(t, http.StatusOK, code)
	pagination := body["pagination"].(map[string]any)
	assert.EqualValues(t, 100, pagination["limit"])
}

func TestInterceptedFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	// Register the provider's profile name before anything is forwarded.
	code, _ := e.do(t, &provider, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, &client, http.MethodPost, "/messages", map[string]any{
		"counterpartId": provider.id,
		"body":          "hello doctor",
	})
	require.Equal(t, http.StatusCreated, code)
	convID := body["conversation"].(map[string]any)["id"].(string)

	code, body = e.do(t, &provider, http.MethodGet, "/conversations/"+convID, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", errorCode(body))

	code, body = e.do(t, &provider, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conversations"])

	code, body = e.do(t, &client, http.MethodGet, "/intercept/conversations", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.do(t, &operator, http.MethodGet, "/intercept/conversations?status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["conversations"], 1)

	code, body = e.do(t, &operator, http.MethodPost, "/intercept/forward/"+convID, map[string]any{
		"providerId":     provider.id,
		"body":           "A client would like to talk to you.",
		"includeHistory": true,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, false, body["reused"])
	linkedID := body["linked"].(map[string]any)["id"].(string)

	code, body = e.do(t, &operator, http.MethodPost, "/intercept/forward/"+convID, map[string]any{
		"providerId": provider.id,
		"body":       "one more thing",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["reused"])

	code, body = e.do(t, &operator, http.MethodPost, "/intercept/forward/"+convID, map[string]any{
		"providerId": "p2",
		"body":       "elsewhere",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", errorCode(body))

	code, body = e.do(t, &provider, http.MethodGet, "/conversations/"+linkedID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["messages"])

	code, body = e.do(t, &provider, http.MethodPut, "/conversations/"+linkedID+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["unreadCount"])

	code, body = e.do(t, &operator, http.MethodPut, "/intercept/status/"+convID, map[string]any{"status": "resolved"})
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, &operator, http.MethodGet, "/intercept/conversations/"+convID+"/actions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["actions"])
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, &client, http.MethodPost, "/messages", map[string]any{"body": "hi"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", errorCode(body))
	assert.Contains(t, body["error"].(map[string]any)["message"], "counterpartId")

	code, body = e.do(t, &client, http.MethodPost, "/messages", map[string]any{"counterpartId": "p1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", errorCode(body))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/conversations", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, client.id)
	req.Header.Set(HeaderUserRole, client.role)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, _ = e.do(t, &operator, http.MethodPut, "/intercept/notes/missing", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNotificationsOverHTTP(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, &client, http.MethodPost, "/notifications", map[string]any{
		"recipientId": client.id, "type": "system_announcement",
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", errorCode(body))

	code, body = e.do(t, &operator, http.MethodPost, "/notifications", map[string]any{
		"recipientId": client.id,
		"type":        "system_announcement",
		"params":      map[string]any{"message": `<a href="javascript:alert(1)">bad</a> <a href="/dashboard">Go</a>`},
	})
	require.Equal(t, http.StatusCreated, code)
	noteID := body["id"].(string)
	safe, err := json.Marshal(body["paramsSafe"])
	require.NoError(t, err)
	assert.NotContains(t, string(safe), "javascript:")
	assert.Contains(t, string(safe), "/dashboard")

	code, body = e.do(t, &client, http.MethodGet, "/notifications/unread-count", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["unreadCount"])

	code, body = e.do(t, &provider, http.MethodDelete, "/notifications/"+noteID, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.do(t, &client, http.MethodPut, "/notifications/read", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, &client, http.MethodPut, "/notifications/read", map[string]any{"ids": []string{noteID}})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["unreadCount"])

	code, body = e.do(t, &client, http.MethodGet, "/notifications?unreadOnly=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["notifications"])

	code, _ = e.do(t, &client, http.MethodGet, "/notifications?unreadOnly=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, &client, http.MethodPut, "/notifications/"+noteID+"/archive", nil)
	require.Equal(t, http.StatusOK, code)
	code, body = e.do(t, &client, http.MethodGet, "/notifications?archived=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["notifications"], 1)

	code, _ = e.do(t, &client, http.MethodDelete, "/notifications/"+noteID, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, &client, http.MethodDelete, "/notifications/"+noteID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReadinessFollowsStatus(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = e.do(t, nil, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "BOOTING", body["state"])

	require.NoError(t, e.status.Transition(status.Migrating))
	require.NoError(t, e.status.Transition(status.Ready))
	code, body = e.do(t, nil, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
}

func TestMetricsRecordRouteTemplates(t *testing.T) {
	e := newEnv(t)
	_, _ = e.do(t, &client, http.MethodGet, "/conversations/abc", nil)

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `route="GET /conversations/{id}"`)
	assert.NotContains(t, string(raw), "/conversations/abc")
}

func TestUnknownRouteIsJSON(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, &client, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", errorCode(body))

	code, body = e.do(t, &client, http.MethodPatch, "/conversations", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "method_not_allowed", errorCode(body))
}

func TestBatchArchiveAndUnreadCountOverHTTP(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, &client, http.MethodPost, "/messages", map[string]any{
		"counterpartId": provider.id,
		"body":          "first",
	})
	require.Equal(t, http.StatusCreated, code)
	convID := body["conversation"].(map[string]any)["id"].(string)

	code, _ = e.do(t, &operator, http.MethodPost, "/intercept/reply/"+convID, map[string]any{"body": "we are on it"})
	require.Equal(t, http.StatusCreated, code)

	code, body = e.do(t, &client, http.MethodGet, "/conversations/unread-count", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["unreadCount"])

	code, body = e.do(t, &client, http.MethodPost, "/intercept/batch", map[string]any{
		"conversationIds": []string{convID}, "action": "archive",
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", errorCode(body))

	for _, bad := range []map[string]any{
		{"conversationIds": []string{}, "action": "markAsRead"},
		{"conversationIds": []string{convID}, "action": "explode"},
		{"conversationIds": []string{convID}, "action": "updateStatus"},
	} {
		code, body = e.do(t, &operator, http.MethodPost, "/intercept/batch", bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.Equal(t, "validation_error", errorCode(body), bad)
	}

	code, body = e.do(t, &operator, http.MethodPost, "/intercept/batch", map[string]any{
		"conversationIds": []string{convID, "missing"},
		"action":          "updateStatus",
		"data":            map[string]any{"status": "resolved"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{convID}, body["successful"])
	failed := body["failed"].([]any)
	require.Len(t, failed, 1)
	assert.Equal(t, "missing", failed[0].(map[string]any)["id"])

	code, body = e.do(t, &client, http.MethodPut, "/conversations/"+convID+"/archive", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["archived"])

	code, body = e.do(t, &client, http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conversations"])

	code, body = e.do(t, &client, http.MethodGet, "/conversations?archived=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conversations"], 1)

	code, body = e.do(t, &client, http.MethodGet, "/conversations/unread-count", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["unreadCount"])

	code, _ = e.do(t, &provider, http.MethodPut, "/conversations/"+convID+"/archive", nil)
	assert.Equal(t, http.StatusForbidden, code)
}
