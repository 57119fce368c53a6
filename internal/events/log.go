package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/subtlefox/coordd/internal/idgen"
	"github.com/subtlefox/coordd/internal/schema"
	"github.com/subtlefox/coordd/internal/state"
)

// Log is the append-only audit trail. Every mutating engine operation
// records an entry; nothing ever updates or deletes one.
type Log struct {
	db *sql.DB

	nowFn func() time.Time

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	ch chan Event
}

type Event struct {
	ID         string           `json:"id"`
	Type       schema.EventType `json:"event_type"`
	AgentID    string           `json:"agent_id,omitempty"`
	ResourceID string           `json:"resource_id,omitempty"`
	Details    map[string]any   `json:"details,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type Input struct {
	Type       schema.EventType
	AgentID    string
	ResourceID string
	Details    map[string]any
}

type ListFilter struct {
	AgentID string
	Type    schema.EventType
	Limit   int
}

type Option func(*Log)

func WithClock(nowFn func() time.Time) Option {
	return func(l *Log) {
		if nowFn != nil {
			l.nowFn = nowFn
		}
	}
}

func NewLog(db *sql.DB, opts ...Option) *Log {
	l := &Log{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
		subs:  map[string]*subscriber{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Log) Record(ctx context.Context, input Input) (Event, error) {
	if strings.TrimSpace(string(input.Type)) == "" {
		return Event{}, fmt.Errorf("event type is required")
	}

	id := idgen.NewEventID()
	createdAt := l.nowFn().UTC()
	detailsJSON, err := encodeJSON(input.Details)
	if err != nil {
		return Event{}, fmt.Errorf("encode details: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, agent_id, resource_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, string(input.Type), nullString(input.AgentID), nullString(input.ResourceID), detailsJSON, createdAt.Format(state.TimeFormat))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:         id,
		Type:       input.Type,
		AgentID:    input.AgentID,
		ResourceID: input.ResourceID,
		Details:    input.Details,
		CreatedAt:  createdAt,
	}
	l.broadcast(event)
	return event, nil
}

func (l *Log) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	query := `SELECT id, event_type, agent_id, resource_id, details, created_at FROM events`
	var clauses []string
	var args []any

	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, createdAtStr string
		var agentID, resourceID, detailsStr sql.NullString
		if err := rows.Scan(&e.ID, &eventType, &agentID, &resourceID, &detailsStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = schema.EventType(eventType)
		e.AgentID = agentID.String
		e.ResourceID = resourceID.String
		e.Details = decodeJSONMap(detailsStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel receiving events appended after the call.
// This is a live tail for observers; the table stays the source of truth
// and slow subscribers miss events rather than block the engine.
func (l *Log) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	id := idgen.NewEventID()

	sub := &subscriber{ch: ch}
	l.mu.Lock()
	l.subs[id] = sub
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (l *Log) broadcast(event Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
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

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
