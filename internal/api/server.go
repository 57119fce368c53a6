package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/export"
	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/memory"
	"github.com/subtlefox/coordd/internal/queue"
	"github.com/subtlefox/coordd/internal/registry"
	"github.com/subtlefox/coordd/internal/state"
)

// AgentIDHeader carries the caller's identity. Every session passes it
// explicitly; the server keeps no process-wide current agent.
const AgentIDHeader = "X-Agent-ID"

var errNotRegistered = errors.New("not registered")

type Server struct {
	Registry *registry.Registry
	Memory   *memory.Store
	Locks    *locks.Manager
	Queue    *queue.Queue
	Events   *events.Log
	Export   *export.Writer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents/register", s.handleRegister)
	mux.HandleFunc("/api/agents/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/agents/whoami", s.handleWhoami)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/memory", s.handleMemoryList)
	mux.HandleFunc("/api/memory/", s.handleMemoryItem)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/claim", s.handleTaskClaim)
	mux.HandleFunc("/api/tasks/next", s.handleTaskNext)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/locks/acquire", s.handleLockAcquire)
	mux.HandleFunc("/api/locks/release", s.handleLockRelease)
	mux.HandleFunc("/api/locks/check", s.handleLockCheck)
	mux.HandleFunc("/api/locks/status", s.handleLockStatus)
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)
	mux.HandleFunc("/api/events", s.handleEvents)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// requireAgent resolves the caller's identity from the request header. A
// missing header or a vanished agent both read as "not registered" so the
// caller knows to re-register rather than retry.
func (s *Server) requireAgent(r *http.Request) (registry.Agent, error) {
	agentID := strings.TrimSpace(r.Header.Get(AgentIDHeader))
	if agentID == "" {
		return registry.Agent{}, errNotRegistered
	}
	agent, err := s.Registry.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return registry.Agent{}, errNotRegistered
		}
		return registry.Agent{}, err
	}
	return agent, nil
}

func (s *Server) maybeExport(ctx context.Context) {
	if s.Export == nil {
		return
	}
	_ = s.Export.WriteSnapshot(ctx)
}

// decodeJSON treats an empty body as the zero-value request.
func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeEngineError maps the engine's error taxonomy to status codes so
// callers can tell "not found" from "conflict" from "not registered".
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotRegistered):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrDependencyNotMet):
		writeError(w, http.StatusPreconditionFailed, err)
	case errors.Is(err, queue.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, state.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case state.IsBusy(err), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
