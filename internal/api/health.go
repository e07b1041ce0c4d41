package api

import (
	"net/http"

	"github.com/seantiz/relay/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, model.OKResponse{OK: true})
}

// handleStatus returns the full commander state for operators.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.authority.Snapshot())
}
