package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/idgen"
	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/schema"
	"github.com/subtlefox/coordd/internal/state"
)

// StaleThreshold is how long an agent may go without a heartbeat before
// the next listing sweep strips its locks and flags it offline. There is
// no timer: staleness is only as fresh as the last read.
const StaleThreshold = 300 * time.Second

type Role string

const (
	RoleMain Role = "main"
	RoleSub  Role = "sub"
)

// ParseRole validates a raw role string. Defaults to RoleSub when empty.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return RoleSub, nil
	case "main":
		return RoleMain, nil
	case "sub":
		return RoleSub, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

type AgentStatus string

const (
	StatusActive  AgentStatus = "active"
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

func ParseStatus(raw string) (AgentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "idle":
		return StatusIdle, nil
	case "busy":
		return StatusBusy, nil
	case "offline":
		return StatusOffline, nil
	default:
		return "", fmt.Errorf("unknown agent status %q", raw)
	}
}

type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Role          Role           `json:"role"`
	Status        AgentStatus    `json:"status"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

type ListFilter struct {
	Status AgentStatus
	Role   Role
}

type Registry struct {
	db    *sql.DB
	locks *locks.Manager
	log   *events.Log

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Registry)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(r *Registry) {
		if newIDFn != nil {
			r.newIDFn = newIDFn
		}
	}
}

func NewRegistry(db *sql.DB, lockMgr *locks.Manager, log *events.Log, opts ...Option) *Registry {
	r := &Registry{
		db:      db,
		locks:   lockMgr,
		log:     log,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.nowFn().UTC()
}

// Register creates the agent, or reconnects it if the name is already
// taken: registration is idempotent by name, so a returning agent gets
// its existing identity back (marked active) instead of an error.
func (r *Registry) Register(ctx context.Context, name string, role Role, capabilities []string, metadata map[string]any) (Agent, error) {
	if strings.TrimSpace(name) == "" {
		return Agent{}, fmt.Errorf("name is required")
	}
	if role == "" {
		role = RoleSub
	}

	if existing, err := r.GetByName(ctx, name); err == nil {
		if _, err := r.Heartbeat(ctx, existing.ID, StatusActive); err != nil {
			return Agent{}, err
		}
		return r.Get(ctx, existing.ID)
	} else if !errors.Is(err, state.ErrNotFound) {
		return Agent{}, err
	}

	id := r.newIDFn()
	now := r.now()
	capsJSON, err := encodeJSON(capabilities)
	if err != nil {
		return Agent{}, fmt.Errorf("encode capabilities: %w", err)
	}
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return Agent{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, capabilities, metadata, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, string(role), string(StatusActive), capsJSON, metadataJSON,
		now.Format(state.TimeFormat), now.Format(state.TimeFormat))
	if err != nil {
		if state.IsConflict(err) {
			// Lost a registration race on the name; reconnect to the winner.
			existing, getErr := r.GetByName(ctx, name)
			if getErr != nil {
				return Agent{}, getErr
			}
			if _, hbErr := r.Heartbeat(ctx, existing.ID, StatusActive); hbErr != nil {
				return Agent{}, hbErr
			}
			return r.Get(ctx, existing.ID)
		}
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}

	agent := Agent{
		ID:            id,
		Name:          name,
		Role:          role,
		Status:        StatusActive,
		Capabilities:  capabilities,
		Metadata:      metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if r.log != nil {
		_, _ = r.log.Record(ctx, events.Input{
			Type:    schema.EventAgentRegistered,
			AgentID: id,
			Details: map[string]any{"name": name, "role": string(role)},
		})
	}
	return agent, nil
}

// Heartbeat refreshes last_heartbeat; status changes only when provided.
// Returns false if the agent no longer exists.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status AgentStatus) (bool, error) {
	if strings.TrimSpace(agentID) == "" {
		return false, fmt.Errorf("agent_id is required")
	}
	now := r.now().Format(state.TimeFormat)

	var res sql.Result
	var err error
	if status != "" {
		res, err = state.ExecWithRetry(ctx, r.db, `UPDATE agents SET last_heartbeat = ?, status = ? WHERE id = ?`, now, string(status), agentID)
	} else {
		res, err = state.ExecWithRetry(ctx, r.db, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`, now, agentID)
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return affected > 0, nil
}

// List sweeps stale agents first so status reflects reality, then returns
// agents ordered by registration time, newest first.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]Agent, error) {
	if err := r.sweepStale(ctx); err != nil {
		return nil, err
	}

	query := `SELECT id, name, role, status, capabilities, metadata, registered_at, last_heartbeat FROM agents`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(filter.Role))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY registered_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// Unregister releases every lock the agent holds, then deletes it. The
// release runs unconditionally first so deletion can never orphan a lock.
func (r *Registry) Unregister(ctx context.Context, agentID string) (bool, error) {
	if strings.TrimSpace(agentID) == "" {
		return false, fmt.Errorf("agent_id is required")
	}
	if _, err := r.locks.ReleaseAll(ctx, agentID); err != nil {
		return false, err
	}

	res, err := state.ExecWithRetry(ctx, r.db, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if r.log != nil {
		_, _ = r.log.Record(ctx, events.Input{
			Type:    schema.EventAgentUnregistered,
			AgentID: agentID,
		})
	}
	return true, nil
}

func (r *Registry) Get(ctx context.Context, agentID string) (Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, status, capabilities, metadata, registered_at, last_heartbeat
		FROM agents WHERE id = ?
	`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, fmt.Errorf("agent %s: %w", agentID, state.ErrNotFound)
		}
		return Agent{}, err
	}
	return agent, nil
}

func (r *Registry) GetByName(ctx context.Context, name string) (Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, status, capabilities, metadata, registered_at, last_heartbeat
		FROM agents WHERE name = ?
	`, name)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, fmt.Errorf("agent %q: %w", name, state.ErrNotFound)
		}
		return Agent{}, err
	}
	return agent, nil
}

// sweepStale strips locks from, then flags offline, every agent whose
// heartbeat is older than StaleThreshold. Lock release runs before the
// status flip so a crashed agent never keeps a resource pinned.
func (r *Registry) sweepStale(ctx context.Context) error {
	cutoff := r.now().Add(-StaleThreshold).Format(state.TimeFormat)

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM agents WHERE status != ? AND last_heartbeat < ?`, string(StatusOffline), cutoff)
	if err != nil {
		return fmt.Errorf("find stale agents: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan stale agent: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stale agents: %w", err)
	}

	for _, id := range stale {
		if _, err := r.locks.ReleaseAll(ctx, id); err != nil {
			return err
		}
		if _, err := state.ExecWithRetry(ctx, r.db, `UPDATE agents SET status = ? WHERE id = ?`, string(StatusOffline), id); err != nil {
			return fmt.Errorf("flag stale agent offline: %w", err)
		}
		if r.log != nil {
			_, _ = r.log.Record(ctx, events.Input{
				Type:    schema.EventAgentOffline,
				AgentID: id,
				Details: map[string]any{schema.MetaReason: "heartbeat stale"},
			})
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var agent Agent
	var role, status string
	var capsStr, metadataStr sql.NullString
	var registeredAtStr, lastHeartbeatStr string
	if err := row.Scan(&agent.ID, &agent.Name, &role, &status, &capsStr, &metadataStr, &registeredAtStr, &lastHeartbeatStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, err
		}
		return Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	agent.Role = Role(role)
	agent.Status = AgentStatus(status)
	agent.Capabilities = decodeJSONStrings(capsStr.String)
	agent.Metadata = decodeJSONMap(metadataStr.String)
	agent.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAtStr)
	agent.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, lastHeartbeatStr)
	return agent, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func decodeJSONStrings(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
