// Package push streams bus events to connected users over websockets.
package push

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/metrics"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Namespaces are the event prefixes forwarded to sessions.
var Namespaces = []string{"notification.", "conversation.", "intercept."}

// Frame is the JSON message written to a session.
type Frame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Hub upgrades HTTP requests into push sessions.
type Hub struct {
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id     string
	userID string
	role   string
	conn   *websocket.Conn
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// NewHub creates a hub. allowedOrigins lists the Origin values accepted on
// upgrade; an empty list accepts any origin.
func NewHub(b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		bus:      b,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Serve upgrades the request and streams the events addressed to userID
// acting as role until the connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID, role string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := &session{id: uuid.NewString(), userID: userID, role: role, conn: conn, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.metrics.ClientConnected()
	h.logger.Info("push session opened", zap.String("session", s.id), zap.String("user", userID), zap.String("role", role))

	events, unsubscribe := h.subscribe()
	defer func() {
		unsubscribe()
		s.close()
		h.mu.Lock()
		delete(h.sessions, s.id)
		h.mu.Unlock()
		h.metrics.ClientDisconnected()
		h.logger.Info("push session closed", zap.String("session", s.id))
	}()

	go h.readLoop(s)
	h.writeLoop(s, events)
}

// subscribe merges the hub namespaces into one channel.
func (h *Hub) subscribe() (<-chan bus.Event, func()) {
	out := make(chan bus.Event, sendBuffer)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var unsubs []func()
	for _, ns := range Namespaces {
		ch, unsub := h.bus.Subscribe(ns, sendBuffer)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case evt := <-ch:
					select {
					case out <- evt:
					case <-stop:
						return
					}
				case <-stop:
					return
				}
			}
		}()
	}
	var once sync.Once
	return out, func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			close(stop)
			wg.Wait()
		})
	}
}

// readLoop consumes client frames so control messages are processed. Sessions
// are receive-only; data frames are ignored.
func (h *Hub) readLoop(s *session) {
	defer s.close()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("push session read failed", zap.String("session", s.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(s *session, events <-chan bus.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.write(s, Frame{Type: "connected", Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case evt := <-events:
			if !evt.For(s.userID, s.role) {
				continue
			}
			if err := h.write(s, Frame{Type: evt.Kind, Timestamp: evt.Timestamp.UnixMilli(), Data: evt.Payload}); err != nil {
				h.logger.Debug("push write failed", zap.String("session", s.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(s *session, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Warn("push frame not serializable", zap.String("type", f.Type), zap.Error(err))
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		s.close()
	}
}
