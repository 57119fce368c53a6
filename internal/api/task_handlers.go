package api

import (
	"net/http"
	"strings"

	"github.com/subtlefox/coordd/internal/queue"
	"github.com/subtlefox/coordd/internal/schema"
)

type taskCreateRequest struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := queue.ListFilter{
			Status:     queue.Status(r.URL.Query().Get("status")),
			AssignedTo: r.URL.Query().Get("assigned_to"),
			CreatedBy:  r.URL.Query().Get("created_by"),
		}
		if r.URL.Query().Get("mine") == "1" {
			agent, err := s.requireAgent(r)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			filter.AssignedTo = agent.ID
		}
		items, err := s.Queue.List(r.Context(), filter)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		agent, err := s.requireAgent(r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		var req taskCreateRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Queue.Create(r.Context(), queue.Spec{
			Title:        req.Title,
			Description:  req.Description,
			Priority:     queue.ParsePriority(req.Priority),
			CreatedBy:    agent.ID,
			AssignedTo:   req.AssignedTo,
			Dependencies: req.Dependencies,
			Metadata:     req.Metadata,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.maybeExport(r.Context())
		writeJSON(w, http.StatusCreated, task)
	default:
		writeMethodNotAllowed(w)
	}
}

type taskClaimRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req taskClaimRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.Queue.Claim(r.Context(), req.TaskID, agent.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.maybeExport(r.Context())
	writeJSON(w, http.StatusOK, task)
}

// handleTaskNext returns the next task this agent could claim, without
// claiming it. "my turn" with no task id: is anything ready for me?
func (s *Server) handleTaskNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	next, err := s.Queue.NextAvailable(r.Context(), agent.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if next == nil {
		writeJSON(w, http.StatusOK, map[string]any{"my_turn": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"my_turn": true, "task": next})
}

type taskUpdateRequest struct {
	Status     string         `json:"status,omitempty"`
	AssignedTo *string        `json:"assigned_to,omitempty"`
	Output     *string        `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Progress   *float64       `json:"progress,omitempty"`
}

type taskCompleteRequest struct {
	Output string `json:"output,omitempty"`
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.Queue.Get(r.Context(), taskID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodPatch:
			s.handleTaskUpdate(w, r, taskID)
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "complete":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		agent, err := s.requireAgent(r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		var req taskCompleteRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := s.Queue.Complete(r.Context(), taskID, agent.ID, req.Output)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		s.maybeExport(r.Context())
		writeJSON(w, http.StatusOK, task)
	case "my-turn":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.handleMyTurn(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task operation"))
	}
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request, taskID string) {
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var req taskUpdateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	upd := queue.UpdateSpec{
		Status:     queue.Status(req.Status),
		AssignedTo: req.AssignedTo,
		Output:     req.Output,
		Metadata:   req.Metadata,
	}
	if req.Progress != nil {
		upd.Metadata = schema.MergeMeta(upd.Metadata, map[string]any{schema.MetaProgress: *req.Progress})
	}
	task, err := s.Queue.Update(r.Context(), taskID, agent.ID, upd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.maybeExport(r.Context())
	writeJSON(w, http.StatusOK, task)
}

// handleMyTurn tells the calling agent whether the given task (or, with
// task id "next", any task at all) is ready for it to work on.
func (s *Server) handleMyTurn(w http.ResponseWriter, r *http.Request, taskID string) {
	agent, err := s.requireAgent(r)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	task, err := s.Queue.Get(r.Context(), taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if queue.IsTerminalStatus(task.Status) {
		writeJSON(w, http.StatusOK, map[string]any{"my_turn": false, "reason": "task is " + string(task.Status)})
		return
	}
	if task.AssignedTo != "" && task.AssignedTo != agent.ID {
		writeJSON(w, http.StatusOK, map[string]any{"my_turn": false, "reason": "assigned to " + task.AssignedTo})
		return
	}
	met, err := s.Queue.DependenciesMet(r.Context(), taskID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !met {
		writeJSON(w, http.StatusOK, map[string]any{"my_turn": false, "reason": "dependencies not met"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"my_turn": true})
}
