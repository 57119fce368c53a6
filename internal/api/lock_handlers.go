package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/schema"
)

// DefaultLockTimeout bounds a lock's lifetime when the caller doesn't
// pick one, so a crashed agent can't pin a resource forever.
const DefaultLockTimeout = 300 * time.Second

type lockAcquireRequest struct {
	Resource       string `json:"resource"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req lockAcquireRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := DefaultLockTimeout
	if req.TimeoutSeconds != nil {
		timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	var metadata map[string]any
	if req.Reason != "" {
		metadata = map[string]any{schema.MetaReason: req.Reason}
	}
	lock, err := s.Locks.Acquire(r.Context(), req.Resource, agent.ID, timeout, metadata)
	if err != nil {
		var held *locks.HeldError
		if errors.As(err, &held) {
			// Name the current holder so the caller can decide to wait,
			// retry, or negotiate.
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":           err.Error(),
				schema.MetaHolder: held.HeldBy,
			})
			return
		}
		writeEngineError(w, err)
		return
	}
	s.maybeExport(r.Context())
	writeJSON(w, http.StatusOK, lock)
}

type lockReleaseRequest struct {
	Resource string `json:"resource"`
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req lockReleaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.Locks.Release(r.Context(), req.Resource, agent.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.maybeExport(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleLockCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	resource := r.URL.Query().Get("resource")
	lock, err := s.Locks.Check(r.Context(), resource)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if lock == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": true, "lock": lock})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status, err := s.Locks.AggregateStatus(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
