package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/memory"
	"github.com/subtlefox/coordd/internal/queue"
	"github.com/subtlefox/coordd/internal/registry"
	"github.com/subtlefox/coordd/internal/testutil"
)

func newTestHandler(t *testing.T) (http.Handler, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)

	log := events.NewLog(db)
	lockMgr := locks.NewManager(db, log)
	server := &Server{
		Registry: registry.NewRegistry(db, lockMgr, log),
		Memory:   memory.NewStore(db, log),
		Locks:    lockMgr,
		Queue:    queue.NewQueue(db, log),
		Events:   log,
	}
	return server.Handler(), closeFn
}

func newTestServer(t *testing.T) (*http.Client, func()) {
	t.Helper()
	handler, closeFn := newTestHandler(t)
	return testutil.NewInProcessClient(handler), closeFn
}

func registerAgent(t *testing.T, client *http.Client, name string) registry.Agent {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, "/api/agents/register", "", map[string]any{"name": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: %d body=%s", name, resp.StatusCode, readBody(t, resp))
	}
	var agent registry.Agent
	decodeJSONResponse(t, resp, &agent)
	if agent.ID == "" {
		t.Fatalf("expected agent id for %s", name)
	}
	return agent
}

func TestAgentLifecycle(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	agent := registerAgent(t, client, "alice")

	// Whoami without the identity header is a 401.
	resp := doJSON(t, client, http.MethodGet, "/api/agents/whoami", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("whoami without header: %d", resp.StatusCode)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/agents/whoami", agent.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var me registry.Agent
	decodeJSONResponse(t, resp, &me)
	if me.Name != "alice" {
		t.Fatalf("expected alice, got %s", me.Name)
	}

	resp = doJSON(t, client, http.MethodPost, "/api/agents/heartbeat", agent.ID, map[string]any{"status": "busy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodGet, "/api/agents?status=busy", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d", resp.StatusCode)
	}
	var agents []registry.Agent
	decodeJSONResponse(t, resp, &agents)
	if len(agents) != 1 || agents[0].ID != agent.ID {
		t.Fatalf("expected one busy agent, got %d", len(agents))
	}

	resp = doJSON(t, client, http.MethodDelete, "/api/agents", agent.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregister: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	resp = doJSON(t, client, http.MethodGet, "/api/agents/whoami", agent.ID, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("whoami after unregister: %d", resp.StatusCode)
	}
}

func TestTaskFlow(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	alice := registerAgent(t, client, "alice")
	bob := registerAgent(t, client, "bob")

	// Creating a task requires identity.
	resp := doJSON(t, client, http.MethodPost, "/api/tasks", "", map[string]any{"title": "anon"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create: %d", resp.StatusCode)
	}

	resp = doJSON(t, client, http.MethodPost, "/api/tasks", alice.ID, map[string]any{
		"title":    "implement parser",
		"priority": "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var task queue.Task
	decodeJSONResponse(t, resp, &task)
	if task.CreatedBy != alice.ID {
		t.Fatalf("expected creator stamped from header")
	}

	resp = doJSON(t, client, http.MethodGet, "/api/tasks/next", bob.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("next: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var turn map[string]any
	decodeJSONResponse(t, resp, &turn)
	if turn["my_turn"] != true {
		t.Fatalf("expected my_turn true, got %v", turn)
	}

	resp = doJSON(t, client, http.MethodPost, "/api/tasks/claim", bob.ID, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var claimed queue.Task
	decodeJSONResponse(t, resp, &claimed)
	if claimed.AssignedTo != bob.ID || claimed.Status != queue.StatusInProgress {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	// A second claimant loses with a conflict.
	resp = doJSON(t, client, http.MethodPost, "/api/tasks/claim", alice.ID, map[string]any{"task_id": task.ID})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("losing claim: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodPatch, "/api/tasks/"+task.ID, bob.ID, map[string]any{"progress": 0.5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress update: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodPost, "/api/tasks/"+task.ID+"/complete", bob.ID, map[string]any{"output": "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var done queue.Task
	decodeJSONResponse(t, resp, &done)
	if done.Status != queue.StatusCompleted || done.Output != "done" {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	if done.CompletedAt == nil {
		t.Fatalf("expected completed_at stamped")
	}

	// Completing again conflicts with the terminal state.
	resp = doJSON(t, client, http.MethodPatch, "/api/tasks/"+task.ID, bob.ID, map[string]any{"status": "in_progress"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reopen terminal task: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
}

func TestTaskDependencyGateOverHTTP(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	alice := registerAgent(t, client, "alice")

	resp := doJSON(t, client, http.MethodPost, "/api/tasks", alice.ID, map[string]any{"title": "base"})
	var base queue.Task
	decodeJSONResponse(t, resp, &base)

	resp = doJSON(t, client, http.MethodPost, "/api/tasks", alice.ID, map[string]any{
		"title":        "followup",
		"dependencies": []string{base.ID},
	})
	var followup queue.Task
	decodeJSONResponse(t, resp, &followup)

	resp = doJSON(t, client, http.MethodPost, "/api/tasks/claim", alice.ID, map[string]any{"task_id": followup.ID})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("blocked claim: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodGet, "/api/tasks/"+followup.ID+"/my-turn", alice.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("my-turn: %d", resp.StatusCode)
	}
	var turn map[string]any
	decodeJSONResponse(t, resp, &turn)
	if turn["my_turn"] != false || turn["reason"] != "dependencies not met" {
		t.Fatalf("unexpected my-turn response: %v", turn)
	}
}

func TestLockEndpoints(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	alice := registerAgent(t, client, "alice")
	bob := registerAgent(t, client, "bob")

	resp := doJSON(t, client, http.MethodPost, "/api/locks/acquire", alice.ID, map[string]any{
		"resource": "repo",
		"reason":   "deploying",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodPost, "/api/locks/acquire", bob.ID, map[string]any{"resource": "repo"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("contended acquire: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var denied map[string]any
	decodeJSONResponse(t, resp, &denied)
	if denied["held_by"] != alice.ID {
		t.Fatalf("expected denied acquire to name the holder, got %v", denied)
	}

	resp = doJSON(t, client, http.MethodGet, "/api/locks/check?resource=repo", "", nil)
	var check map[string]any
	decodeJSONResponse(t, resp, &check)
	if check["locked"] != true {
		t.Fatalf("expected locked, got %v", check)
	}

	resp = doJSON(t, client, http.MethodPost, "/api/locks/release", alice.ID, map[string]any{"resource": "repo"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodGet, "/api/locks/check?resource=repo", "", nil)
	decodeJSONResponse(t, resp, &check)
	if check["locked"] != false {
		t.Fatalf("expected unlocked, got %v", check)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	alice := registerAgent(t, client, "alice")

	resp := doJSON(t, client, http.MethodPut, "/api/memory/build-status?namespace=ci", alice.ID, map[string]any{
		"value": map[string]any{"green": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodGet, "/api/memory/build-status?namespace=ci", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var entry memory.Entry
	decodeJSONResponse(t, resp, &entry)
	value, ok := entry.Value.(map[string]any)
	if !ok || value["green"] != true {
		t.Fatalf("unexpected value: %#v", entry.Value)
	}

	resp = doJSON(t, client, http.MethodDelete, "/api/memory/build-status?namespace=ci", alice.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d body=%s", resp.StatusCode, readBody(t, resp))
	}

	resp = doJSON(t, client, http.MethodGet, "/api/memory/build-status?namespace=ci", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
}

func TestEventsList(t *testing.T) {
	client, closeFn := newTestServer(t)
	defer closeFn()

	alice := registerAgent(t, client, "alice")

	resp := doJSON(t, client, http.MethodGet, "/api/events?agent_id="+alice.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var evts []events.Event
	decodeJSONResponse(t, resp, &evts)
	if len(evts) == 0 {
		t.Fatalf("expected registration event in the log")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, closeFn := newTestHandler(t)
	defer closeFn()

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/tasks/claim"},
		{http.MethodPost, "/api/agents/whoami"},
		{http.MethodPut, "/api/locks/status"},
	} {
		req := testutil.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func doJSON(t *testing.T, client *http.Client, method, path, agentID string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if agentID != "" {
		req.Header.Set(AgentIDHeader, agentID)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}
