package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/relay/internal/authority"
	"github.com/seantiz/relay/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

func (s *Server) handleAcquireLease(w http.ResponseWriter, r *http.Request) {
	if err := s.authority.CheckSecret(r.Header.Get(SecretHeader)); err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req model.AcquireLeaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkerID == "" || req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "worker_id and run_id are required")
		return
	}

	resp, err := s.authority.Acquire(r.Context(), req)
	if err != nil {
		s.writeAuthorityError(w, "acquire lease", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	var req model.RenewLeaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	resp, err := s.authority.Renew(r.Context(), req)
	if err != nil {
		s.writeAuthorityError(w, "renew lease", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	req := model.JobReportRequest{Status: model.StatusRunning}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	if err := s.authority.Report(r.Context(), req); err != nil {
		s.writeAuthorityError(w, "job report", err)
		return
	}

	s.writeJSON(w, http.StatusOK, model.OKResponse{OK: true})
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeAuthorityError maps authority errors onto HTTP status codes.
func (s *Server) writeAuthorityError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, authority.ErrLeaseMissingOrExpired):
		s.writeError(w, http.StatusConflict, authority.ErrLeaseMissingOrExpired.Error())
	case errors.Is(err, authority.ErrLeaseMismatch):
		s.writeError(w, http.StatusForbidden, authority.ErrLeaseMismatch.Error())
	case errors.Is(err, authority.ErrInvalidStatus):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, model.ErrorResponse{Detail: detail})
}
