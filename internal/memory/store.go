package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/schema"
	"github.com/subtlefox/coordd/internal/state"
)

// DefaultNamespace partitions entries written without an explicit namespace.
const DefaultNamespace = "default"

// Entry is one namespaced key/value fact on the shared whiteboard.
// Value is an opaque JSON-serializable payload.
type Entry struct {
	Namespace  string     `json:"namespace"`
	Key        string     `json:"key"`
	Value      any        `json:"value"`
	CreatedBy  string     `json:"created_by,omitempty"`
	TTLSeconds int        `json:"ttl_seconds,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type SetInput struct {
	Namespace  string
	Key        string
	Value      any
	CreatedBy  string
	TTLSeconds int
}

type Store struct {
	db  *sql.DB
	log *events.Log

	nowFn func() time.Time
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(db *sql.DB, log *events.Log, opts ...Option) *Store {
	s := &Store{
		db:    db,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Set upserts by (namespace, key). A second set on the same key fully
// replaces value, ttl, and expiresAt; it never extends or merges. The
// expiry is computed once, at write time.
func (s *Store) Set(ctx context.Context, input SetInput) (Entry, error) {
	if strings.TrimSpace(input.Key) == "" {
		return Entry{}, fmt.Errorf("key is required")
	}
	namespace := input.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	now := s.now()
	var expiresAt *time.Time
	ttl := input.TTLSeconds
	if ttl > 0 {
		t := now.Add(time.Duration(ttl) * time.Second)
		expiresAt = &t
	} else {
		ttl = 0
	}

	valueJSON, err := json.Marshal(input.Value)
	if err != nil {
		return Entry{}, fmt.Errorf("encode value: %w", err)
	}

	_, err = state.ExecWithRetry(ctx, s.db, `
		INSERT INTO memory (namespace, key, value, created_by, ttl_seconds, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			created_by = excluded.created_by,
			ttl_seconds = excluded.ttl_seconds,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, namespace, input.Key, string(valueJSON), nullString(input.CreatedBy), nullInt(ttl),
		now.Format(state.TimeFormat), now.Format(state.TimeFormat), formatNullableTime(expiresAt))
	if err != nil {
		return Entry{}, fmt.Errorf("upsert memory entry: %w", err)
	}

	entry, err := s.load(ctx, namespace, input.Key)
	if err != nil {
		return Entry{}, err
	}
	if s.log != nil {
		_, _ = s.log.Record(ctx, events.Input{
			Type:       schema.EventMemorySet,
			AgentID:    input.CreatedBy,
			ResourceID: namespace + "/" + input.Key,
			Details:    map[string]any{"namespace": namespace, "key": input.Key},
		})
	}
	return entry, nil
}

// Get sweeps expired rows first, so an expired-but-unswept entry is never
// observed as present.
func (s *Store) Get(ctx context.Context, namespace, key string) (Entry, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := s.sweepExpired(ctx); err != nil {
		return Entry{}, err
	}
	return s.load(ctx, namespace, key)
}

func (s *Store) List(ctx context.Context, namespace string) ([]Entry, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := s.sweepExpired(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, key, value, created_by, ttl_seconds, created_at, updated_at, expires_at
		FROM memory WHERE namespace = ? ORDER BY key ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory entries: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string, deletedBy string) (bool, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	res, err := state.ExecWithRetry(ctx, s.db, `DELETE FROM memory WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("delete memory entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if s.log != nil {
		_, _ = s.log.Record(ctx, events.Input{
			Type:       schema.EventMemoryDeleted,
			AgentID:    deletedBy,
			ResourceID: namespace + "/" + key,
			Details:    map[string]any{"namespace": namespace, "key": key},
		})
	}
	return true, nil
}

func (s *Store) load(ctx context.Context, namespace, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, value, created_by, ttl_seconds, created_at, updated_at, expires_at
		FROM memory WHERE namespace = ? AND key = ?
	`, namespace, key)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("memory entry %s/%s: %w", namespace, key, state.ErrNotFound)
		}
		return Entry{}, err
	}
	return entry, nil
}

// sweepExpired deletes rows whose expiry has passed, lazily, just before
// reads that depend on freshness.
func (s *Store) sweepExpired(ctx context.Context) error {
	now := s.now().Format(state.TimeFormat)
	if _, err := state.ExecWithRetry(ctx, s.db, `DELETE FROM memory WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return fmt.Errorf("sweep expired memory entries: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var valueStr, createdBy, expiresAtStr sql.NullString
	var ttl sql.NullInt64
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&entry.Namespace, &entry.Key, &valueStr, &createdBy, &ttl, &createdAtStr, &updatedAtStr, &expiresAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan memory entry: %w", err)
	}
	if valueStr.Valid && valueStr.String != "" {
		_ = json.Unmarshal([]byte(valueStr.String), &entry.Value)
	}
	entry.CreatedBy = createdBy.String
	if ttl.Valid {
		entry.TTLSeconds = int(ttl.Int64)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	entry.ExpiresAt = parseNullableTime(expiresAtStr)
	return entry, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(state.TimeFormat)
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

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}
