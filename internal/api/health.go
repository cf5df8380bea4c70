package api

import (
	"net/http"

	"github.com/matheus3301/mediate/internal/status"
)

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Since  int64  `json:"since,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
		return
	}
	state, since := s.status.Snapshot()
	resp := healthResponse{Status: "ready", State: string(state), Since: since.UnixMilli()}
	if state != status.Ready {
		resp.Status = "unavailable"
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "unavailable", Message: "push is disabled"}})
		return
	}
	caller := callerFrom(r.Context())
	s.hub.Serve(w, r, caller.ID, string(caller.Role))
}
