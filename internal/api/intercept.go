package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matheus3301/mediate/internal/conversation"
	"github.com/matheus3301/mediate/internal/store"
)

func (s *Server) registerIntercept(r *mux.Router) {
	r.HandleFunc("/intercept/conversations", s.listIntercepted).Methods(http.MethodGet)
	r.HandleFunc("/intercept/conversations/{id}/actions", s.listActions).Methods(http.MethodGet)
	r.HandleFunc("/intercept/stats", s.interceptStats).Methods(http.MethodGet)
	r.HandleFunc("/intercept/batch", s.batch).Methods(http.MethodPost)
	r.HandleFunc("/intercept/forward/{id}", s.forward).Methods(http.MethodPost)
	r.HandleFunc("/intercept/reply/{id}", s.reply).Methods(http.MethodPost)
	r.HandleFunc("/intercept/status/{id}", s.setAdminStatus).Methods(http.MethodPut)
	r.HandleFunc("/intercept/notes/{id}", s.updateNotes).Methods(http.MethodPut)
	r.HandleFunc("/intercept/direct/{providerId}", s.startMediated).Methods(http.MethodPost)
}

type forwardRequest struct {
	ProviderID     string `json:"providerId" validate:"omitempty,max=128"`
	IncludeHistory bool   `json:"includeHistory"`
	contentRequest
}

type statusRequest struct {
	Status store.AdminStatus `json:"status" validate:"required"`
}

type batchRequest struct {
	ConversationIDs []string `json:"conversationIds" validate:"required,min=1,max=100,dive,required,max=128"`
	Action          string   `json:"action" validate:"required,oneof=markAsRead updateStatus archive"`
	Data            struct {
		Status store.AdminStatus `json:"status"`
	} `json:"data"`
}

type notesRequest struct {
	Notes *string `json:"notes" validate:"required"`
}

func (s *Server) listIntercepted(w http.ResponseWriter, r *http.Request) {
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
	res, err := s.convs.ListIntercepted(r.Context(), callerFrom(r.Context()), conversation.InterceptQuery{
		Status: store.AdminStatus(r.URL.Query().Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) interceptStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.convs.Stats(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.convs.Actions(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.Forward(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], conversation.ForwardRequest{
		ProviderID:     req.ProviderID,
		Content:        req.content(),
		IncludeHistory: req.IncludeHistory,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Reused {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.convs.Reply(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], req.content())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) setAdminStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.convs.SetAdminStatus(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) updateNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.convs.UpdateNotes(r.Context(), callerFrom(r.Context()), mux.Vars(r)["id"], *req.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) startMediated(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.StartMediated(r.Context(), callerFrom(r.Context()), mux.Vars(r)["providerId"], req.content())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.bind(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.convs.Batch(r.Context(), callerFrom(r.Context()), conversation.BatchRequest{
		Action: conversation.BatchAction(req.Action),
		IDs:    req.ConversationIDs,
		Status: req.Data.Status,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
