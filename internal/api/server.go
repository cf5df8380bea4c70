// Package api serves the HTTP/JSON surface of the daemon. Identity comes
// from gateway headers; authorization lives in the services.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/matheus3301/mediate/internal/conversation"
	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/push"
	"github.com/matheus3301/mediate/internal/status"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Deps groups what the handlers call into. Hub, Status and Metrics may be nil.
type Deps struct {
	DB            *store.DB
	Conversations *conversation.Service
	Notifications *notify.Service
	Hub           *push.Hub
	Status        *status.Machine
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Server routes HTTP requests to the services.
type Server struct {
	db       *store.DB
	convs    *conversation.Service
	notes    *notify.Service
	hub      *push.Hub
	status   *status.Machine
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonName)
	return &Server{
		db:       d.DB,
		convs:    d.Conversations,
		notes:    d.Notifications,
		hub:      d.Hub,
		status:   d.Status,
		metrics:  d.Metrics,
		logger:   logger.Named("api"),
		validate: validate,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: "no such route"}})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{Code: "method_not_allowed", Message: r.Method + " not allowed"}})
	})

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.identify)
	s.registerConversations(authed)
	s.registerIntercept(authed)
	s.registerNotifications(authed)
	authed.HandleFunc("/ws", s.websocket).Methods(http.MethodGet)
	return r
}
