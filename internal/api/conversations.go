package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matheus3301/mediate/internal/conversation"
)

func (s *Server) registerConversations(r *mux.Router) {
	r.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/read-all", s.markAllConversationsRead).Methods(http.MethodPut)
	r.HandleFunc("/conversations/unread-count", s.conversationUnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.postMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/read", s.markConversationRead).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/archive", s.archiveConversation).Methods(http.MethodPut)
	r.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/read", s.markMessageRead).Methods(http.MethodPut)
	r.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
}

type createConversationRequest struct {
	ClientID   string `json:"clientId" validate:"required,max=128"`
	ProviderID string `json:"providerId" validate:"required,max=128"`
}

type contentRequest struct {
	Body     string `json:"body"`
	BodyHTML string `json:"bodyHtml"`
}

func (c contentRequest) content() conversation.Content {
	return conversation.Content{Body: c.Body, BodyHTML: c.BodyHTML}
}

type sendMessageRequest struct {
	CounterpartID string `json:"counterpartId" validate:"required,max=128"`
	contentRequest
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.convs.CreateDirect(r.Context(), callerFrom(r.Context()), req.ClientID, req.ProviderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.Send(r.Context(), callerFrom(r.Context()), req.CounterpartID, req.content())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	archived, err := boolParam(r, "archived")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.List(r.Context(), callerFrom(r.Context()), conversation.ListQuery{Page: page, Limit: limit, Archived: archived})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	v, err := s.convs.Get(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	before, err := int64Param(r, "before")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.ListMessages(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], before, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.convs.Post(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], req.content())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) markConversationRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.convs.MarkRead(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) markAllConversationsRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.convs.MarkAllRead(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) archiveConversation(w http.ResponseWriter, r *http.Request) {
	v, err := s.convs.Archive(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) conversationUnreadCount(w http.ResponseWriter, r *http.Request) {
	res, err := s.convs.UnreadTotal(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	res, err := s.convs.MarkMessageRead(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.convs.SoftDeleteMessage(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
