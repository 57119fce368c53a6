package api

import (
	"net/http"

	"github.com/subtlefox/coordd/internal/registry"
)

type registerRequest struct {
	Name         string         `json:"name"`
	Role         string         `json:"role,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := s.Registry.Register(r.Context(), req.Name, role, req.Capabilities, req.Metadata)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.maybeExport(r.Context())
	writeJSON(w, http.StatusOK, agent)
}

type heartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var status registry.AgentStatus
	if req.Status != "" {
		status, err = registry.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ok, err := s.Registry.Heartbeat(r.Context(), agent.ID, status)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := registry.ListFilter{
			Status: registry.AgentStatus(r.URL.Query().Get("status")),
			Role:   registry.Role(r.URL.Query().Get("role")),
		}
		agents, err := s.Registry.List(r.Context(), filter)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodDelete:
		agent, err := s.requireAgent(r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		ok, err := s.Registry.Unregister(r.Context(), agent.ID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		s.maybeExport(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
	default:
		writeMethodNotAllowed(w)
	}
}
