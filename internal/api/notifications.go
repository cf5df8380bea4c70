package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/notify"
)

func (s *Server) registerNotifications(r *mux.Router) {
	r.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications", s.emitNotification).Methods(http.MethodPost)
	r.HandleFunc("/notifications/unread-count", s.unreadNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/read", s.markNotificationsRead).Methods(http.MethodPut)
	r.HandleFunc("/notifications/read-all", s.markAllNotificationsRead).Methods(http.MethodPut)
	r.HandleFunc("/notifications/{id}", s.deleteNotification).Methods(http.MethodDelete)
	r.HandleFunc("/notifications/{id}/archive", s.archiveNotification).Methods(http.MethodPut)
	r.HandleFunc("/notifications/{id}/unarchive", s.unarchiveNotification).Methods(http.MethodPut)
}

type unreadResponse struct {
	UnreadCount int `json:"unreadCount"`
}

type markReadRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required,max=64"`
}

type emailCopyRequest struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
}

type emitRequest struct {
	RecipientID    string            `json:"recipientId" validate:"required,max=128"`
	Type           notify.Type       `json:"type" validate:"required"`
	Params         map[string]any    `json:"params"`
	ActionURL      string            `json:"actionUrl" validate:"omitempty,max=2048"`
	ConversationID string            `json:"conversationId" validate:"omitempty,max=64"`
	Email          *emailCopyRequest `json:"email" validate:"omitempty"`
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	var opts notify.ListOptions
	var err error
	if opts.Page, err = pageParam(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if opts.Limit, err = limitParam(r); err != nil {
		s.fail(w, r, err)
		return
	}
	if opts.UnreadOnly, err = boolParam(r, "unreadOnly"); err != nil {
		s.fail(w, r, err)
		return
	}
	if opts.Archived, err = boolParam(r, "archived"); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.notes.List(r.Context(), callerFrom(r.Context()).ID, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) unreadNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.UnreadCount(r.Context(), callerFrom(r.Context()).ID)
	s.writeUnread(w, r, n, err)
}

func (s *Server) emitNotification(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if !caller.IsOperator() {
		s.fail(w, r, apperr.Authorization("only operators may send notifications"))
		return
	}
	var req emitRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	evt := notify.Event{
		RecipientID:    req.RecipientID,
		Type:           req.Type,
		Params:         req.Params,
		ActionURL:      req.ActionURL,
		ConversationID: req.ConversationID,
	}
	if req.Email != nil {
		evt.Email = &notify.EmailCopy{To: req.Email.To, Subject: req.Email.Subject}
	}
	n, err := s.notes.Emit(r.Context(), evt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, notify.NewView(n))
}

func (s *Server) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.notes.MarkRead(r.Context(), callerFrom(r.Context()).ID, req.IDs)
	s.writeUnread(w, r, n, err)
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkAllRead(r.Context(), callerFrom(r.Context()).ID)
	s.writeUnread(w, r, n, err)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.Delete(r.Context(), callerFrom(r.Context()).ID, mux.Vars(r)["id"])
	s.writeUnread(w, r, n, err)
}

func (s *Server) archiveNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.Archive(r.Context(), callerFrom(r.Context()).ID, mux.Vars(r)["id"])
	s.writeUnread(w, r, n, err)
}

func (s *Server) unarchiveNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.Unarchive(r.Context(), callerFrom(r.Context()).ID, mux.Vars(r)["id"])
	s.writeUnread(w, r, n, err)
}

// writeUnread answers every notification mutation with the fresh aggregate.
func (s *Server) writeUnread(w http.ResponseWriter, r *http.Request, n int, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{UnreadCount: n})
}
