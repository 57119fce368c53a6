package api

import (
	"net/http"
	"strings"

	"github.com/subtlefox/coordd/internal/memory"
)

type memorySetRequest struct {
	Value      any `json:"value"`
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := s.Memory.List(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMemoryItem(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/memory/"), "/")
	if key == "" {
		writeError(w, http.StatusNotFound, errNotFound("memory entry"))
		return
	}
	namespace := r.URL.Query().Get("namespace")

	switch r.Method {
	case http.MethodGet:
		entry, err := s.Memory.Get(r.Context(), namespace, key)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodPut:
		agent, err := s.requireAgent(r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		var req memorySetRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := s.Memory.Set(r.Context(), memory.SetInput{
			Namespace:  namespace,
			Key:        key,
			Value:      req.Value,
			CreatedBy:  agent.ID,
			TTLSeconds: req.TTLSeconds,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		agent, err := s.requireAgent(r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		ok, err := s.Memory.Delete(r.Context(), namespace, key, agent.ID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
	default:
		writeMethodNotAllowed(w)
	}
}
