package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/conversation"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Identity headers set by the authenticating gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

type callerKey struct{}

func callerFrom(ctx context.Context) conversation.Caller {
	c, _ := ctx.Value(callerKey{}).(conversation.Caller)
	return c
}

// identify resolves the caller from the gateway headers and remembers its
// display name.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := conversation.Caller{
			ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Role: store.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))),
			Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		}
		if caller.ID == "" {
			s.fail(w, r, apperr.Unauthenticated("missing %s header", HeaderUserID))
			return
		}
		if !caller.Role.Valid() {
			s.fail(w, r, apperr.Unauthenticated("%s must be client, provider or admin", HeaderUserRole))
			return
		}
		if len(caller.ID) > 128 || len(caller.Name) > 128 {
			s.fail(w, r, apperr.Validation("identity headers exceed 128 bytes"))
			return
		}
		err := s.db.UpsertProfile(r.Context(), &store.Profile{UserID: caller.ID, Role: caller.Role, DisplayName: caller.Name})
		if err != nil {
			s.logger.Warn("profile upsert failed", zap.String("user", caller.ID), zap.Error(err))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// recoverer turns a handler panic into a 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path), zap.Stack("stack"))
				s.fail(w, r, errors.New("panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records latency per route template and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = r.Method + " " + tpl
			}
		}
		s.metrics.ObserveRequest(route, strconv.Itoa(rec.code), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}
