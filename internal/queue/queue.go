package queue

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
	"github.com/subtlefox/coordd/internal/schema"
	"github.com/subtlefox/coordd/internal/state"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority validates a raw string. Defaults to PriorityNormal.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Rank returns numeric priority (lower = more urgent).
// urgent=1, high=2, normal=3, low=4.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// priorityRankSQL orders rows by priority rank inside the store, keeping
// the queue's fairness contract (urgent first, ties broken FIFO) in one
// place instead of re-sorting in Go.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 1
	WHEN 'high' THEN 2
	WHEN 'normal' THEN 3
	WHEN 'low' THEN 4
	ELSE 3 END`

type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     Priority       `json:"priority"`
	CreatedBy    string         `json:"created_by,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Output       string         `json:"output,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

type Spec struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     Priority       `json:"priority,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ListFilter struct {
	Status     Status
	AssignedTo string
	CreatedBy  string
}

// UpdateSpec carries the optional fields of an update. Nil pointers leave
// the stored value untouched; Metadata merges by shallow key overwrite,
// never replacing the stored map wholesale.
type UpdateSpec struct {
	Status     Status
	AssignedTo *string
	Output     *string
	Metadata   map[string]any
}

var ErrDependencyNotMet = errors.New("task dependencies not met")
var ErrInvalidStatusTransition = errors.New("invalid task status transition")

type StatusTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// ClaimError reports a claim that lost the race to a concurrent claimant.
type ClaimError struct {
	TaskID string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("task %s was claimed by another agent", e.TaskID)
}

func (e *ClaimError) Unwrap() error {
	return state.ErrConflict
}

type Queue struct {
	db  *sql.DB
	log *events.Log

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Queue)

func WithClock(nowFn func() time.Time) Option {
	return func(q *Queue) {
		if nowFn != nil {
			q.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(q *Queue) {
		if newIDFn != nil {
			q.newIDFn = newIDFn
		}
	}
}

func NewQueue(db *sql.DB, log *events.Log, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		log:     log,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *Queue) now() time.Time {
	return q.nowFn().UTC()
}

func (q *Queue) Create(ctx context.Context, spec Spec) (Task, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return Task{}, fmt.Errorf("title is required")
	}
	priority := spec.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	id := q.newIDFn()
	createdAt := q.now()
	depsJSON, err := encodeJSON(spec.Dependencies)
	if err != nil {
		return Task{}, fmt.Errorf("encode dependencies: %w", err)
	}
	metadataJSON, err := encodeJSON(spec.Metadata)
	if err != nil {
		return Task{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, created_by, assigned_to, dependencies, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, spec.Title, nullString(spec.Description), string(StatusPending), string(priority),
		nullString(spec.CreatedBy), nullString(spec.AssignedTo), depsJSON, metadataJSON,
		createdAt.Format(state.TimeFormat), createdAt.Format(state.TimeFormat))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	task := Task{
		ID:           id,
		Title:        spec.Title,
		Description:  spec.Description,
		Status:       StatusPending,
		Priority:     priority,
		CreatedBy:    spec.CreatedBy,
		AssignedTo:   spec.AssignedTo,
		Dependencies: spec.Dependencies,
		Metadata:     spec.Metadata,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if q.log != nil {
		_, _ = q.log.Record(ctx, events.Input{
			Type:       schema.EventTaskCreated,
			AgentID:    spec.CreatedBy,
			ResourceID: id,
			Details:    map[string]any{"title": spec.Title, "priority": string(priority)},
		})
	}
	return task, nil
}

func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	row := q.db.QueryRowContext(ctx, selectTaskSQL+` WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", taskID, state.ErrNotFound)
		}
		return Task{}, err
	}
	return task, nil
}

// List returns tasks ordered by priority rank (urgent first), ties broken
// by creation time ascending. This ordering is the queue's fairness
// contract.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	query := selectTaskSQL
	var clauses []string
	var args []any

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.CreatedBy != "" {
		clauses = append(clauses, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY " + priorityRankSQL + ", created_at ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// DependenciesMet reports whether the task can be worked: it has no
// dependencies, or every dependency exists and is completed. A missing
// dependency task counts as unmet.
func (q *Queue) DependenciesMet(ctx context.Context, taskID string) (bool, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return q.dependenciesMet(ctx, task)
}

func (q *Queue) dependenciesMet(ctx context.Context, task Task) (bool, error) {
	if len(task.Dependencies) == 0 {
		return true, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(task.Dependencies)), ",")
	args := make([]any, 0, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		args = append(args, dep)
	}
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, status FROM tasks WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return false, fmt.Errorf("load dependencies: %w", err)
	}
	defer rows.Close()

	completed := map[string]bool{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return false, fmt.Errorf("scan dependency: %w", err)
		}
		completed[id] = Status(status) == StatusCompleted
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate dependencies: %w", err)
	}

	for _, dep := range task.Dependencies {
		if !completed[dep] {
			return false, nil
		}
	}
	return true, nil
}

// NextAvailable scans tasks that are pending or assigned to this agent, in
// priority/creation order, and returns the first whose dependencies are
// met. Linear scan: coordination queues stay shallow, so no index tricks.
func (q *Queue) NextAvailable(ctx context.Context, agentID string) (*Task, error) {
	query := selectTaskSQL + ` WHERE status = ? OR (status = ? AND assigned_to = ?)
		ORDER BY ` + priorityRankSQL + `, created_at ASC`
	rows, err := q.db.QueryContext(ctx, query, string(StatusPending), string(StatusAssigned), agentID)
	if err != nil {
		return nil, fmt.Errorf("scan available tasks: %w", err)
	}
	defer rows.Close()

	var candidates []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate available tasks: %w", err)
	}

	for _, task := range candidates {
		met, err := q.dependenciesMet(ctx, task)
		if err != nil {
			return nil, err
		}
		if met {
			t := task
			return &t, nil
		}
	}
	return nil, nil
}

// Update applies the optional fields of upd and stamps lifecycle
// timestamps: startedAt the first time the task enters in_progress,
// completedAt the first time it enters a terminal state. Redundant updates
// to the same status are accepted but never re-stamp. The status write is
// guarded on the previously read status, so a concurrent transition makes
// this update lose cleanly instead of clobbering: a lost pure status
// update returns the fresh task as a no-op, while a lost update carrying
// output or metadata reports a conflict rather than dropping the payload.
func (q *Queue) Update(ctx context.Context, taskID, actor string, upd UpdateSpec) (Task, error) {
	current, err := q.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}

	newStatus := current.Status
	if upd.Status != "" && upd.Status != current.Status {
		if !canTransition(current.Status, upd.Status) {
			return Task{}, &StatusTransitionError{TaskID: taskID, From: current.Status, To: upd.Status}
		}
		newStatus = upd.Status
	}

	now := q.now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(newStatus), now.Format(state.TimeFormat)}

	if upd.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullString(*upd.AssignedTo))
	}
	if upd.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, nullString(*upd.Output))
	}
	if len(upd.Metadata) > 0 {
		merged := schema.MergeMeta(current.Metadata, upd.Metadata)
		metadataJSON, err := encodeJSON(merged)
		if err != nil {
			return Task{}, fmt.Errorf("encode metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadataJSON)
	}
	if newStatus == StatusInProgress && current.StartedAt == nil {
		sets = append(sets, "started_at = ?")
		args = append(args, now.Format(state.TimeFormat))
	}
	if IsTerminalStatus(newStatus) && current.CompletedAt == nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, now.Format(state.TimeFormat))
	}

	args = append(args, taskID, string(current.Status))
	res, err := state.ExecWithRetry(ctx, q.db,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("update task rows affected: %w", err)
	}
	if affected == 0 {
		latest, err := q.Get(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if latest.Status == newStatus {
			if upd.AssignedTo == nil && upd.Output == nil && len(upd.Metadata) == 0 {
				return latest, nil
			}
			// The update carried fields beyond the status; reporting
			// success here would silently drop them.
			return Task{}, fmt.Errorf("task %s was updated concurrently: %w", taskID, state.ErrConflict)
		}
		return Task{}, &StatusTransitionError{TaskID: taskID, From: latest.Status, To: newStatus}
	}

	updated, err := q.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if q.log != nil {
		if newStatus != current.Status {
			_, _ = q.log.Record(ctx, events.Input{
				Type:       eventTypeForStatus(newStatus),
				AgentID:    actor,
				ResourceID: taskID,
				Details:    map[string]any{"status": string(newStatus)},
			})
		} else {
			_, _ = q.log.Record(ctx, events.Input{
				Type:       schema.EventTaskUpdated,
				AgentID:    actor,
				ResourceID: taskID,
			})
		}
	}
	return updated, nil
}

// Claim moves the task to in_progress for agentID. With an empty taskID it
// claims the next available task. The final write is one conditional
// update (pending, or already held by this agent), so when two agents race
// past the dependency check only one claim lands; the loser gets a
// *ClaimError instead of a double assignment. Re-claiming a task you
// already hold is a no-op that succeeds.
func (q *Queue) Claim(ctx context.Context, taskID, agentID string) (Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return Task{}, fmt.Errorf("agent_id is required")
	}

	if taskID == "" {
		next, err := q.NextAvailable(ctx, agentID)
		if err != nil {
			return Task{}, err
		}
		if next == nil {
			return Task{}, fmt.Errorf("no claimable task: %w", state.ErrNotFound)
		}
		taskID = next.ID
	}

	task, err := q.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if IsTerminalStatus(task.Status) {
		return Task{}, &StatusTransitionError{TaskID: taskID, From: task.Status, To: StatusInProgress}
	}
	met, err := q.dependenciesMet(ctx, task)
	if err != nil {
		return Task{}, err
	}
	if !met {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrDependencyNotMet)
	}

	now := q.now().Format(state.TimeFormat)
	res, err := state.ExecWithRetry(ctx, q.db, `
		UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?)
		WHERE id = ? AND (status = ? OR (status IN (?, ?) AND assigned_to = ?))
	`, string(StatusInProgress), agentID, now, now,
		taskID, string(StatusPending), string(StatusAssigned), string(StatusInProgress), agentID)
	if err != nil {
		return Task{}, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return Task{}, &ClaimError{TaskID: taskID}
	}

	claimed, err := q.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if q.log != nil {
		_, _ = q.log.Record(ctx, events.Input{
			Type:       schema.EventTaskClaimed,
			AgentID:    agentID,
			ResourceID: taskID,
		})
	}
	return claimed, nil
}

// Complete is sugar for an update to the completed status with output.
func (q *Queue) Complete(ctx context.Context, taskID, agentID, output string) (Task, error) {
	return q.Update(ctx, taskID, agentID, UpdateSpec{Status: StatusCompleted, Output: &output})
}

// canTransition allows only forward-legal status writes. Terminal states
// never transition further; redundant same-status updates pass through
// Update as no-op writes that skip re-stamping.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusAssigned || to == StatusInProgress || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusAssigned:
		return to == StatusInProgress || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

func eventTypeForStatus(status Status) schema.EventType {
	switch status {
	case StatusAssigned:
		return schema.EventTaskAssigned
	case StatusInProgress:
		return schema.EventTaskClaimed
	case StatusCompleted:
		return schema.EventTaskCompleted
	default:
		return schema.EventTaskUpdated
	}
}

const selectTaskSQL = `SELECT id, title, description, status, priority, created_by, assigned_to, dependencies, metadata, output, created_at, updated_at, started_at, completed_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var status, priority string
	var description, createdBy, assignedTo, depsStr, metadataStr, output sql.NullString
	var createdAtStr, updatedAtStr string
	var startedAtStr, completedAtStr sql.NullString
	if err := row.Scan(&task.ID, &task.Title, &description, &status, &priority, &createdBy, &assignedTo,
		&depsStr, &metadataStr, &output, &createdAtStr, &updatedAtStr, &startedAtStr, &completedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Description = description.String
	task.Status = Status(status)
	task.Priority = Priority(priority)
	task.CreatedBy = createdBy.String
	task.AssignedTo = assignedTo.String
	task.Dependencies = decodeJSONStrings(depsStr.String)
	task.Metadata = decodeJSONMap(metadataStr.String)
	task.Output = output.String
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	task.StartedAt = parseNullableTime(startedAtStr)
	task.CompletedAt = parseNullableTime(completedAtStr)
	return task, nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &parsed
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

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
