package locks

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

// Lock is exclusive ownership of a named resource. At most one live lock
// exists per resource; the locks table's primary key enforces that, so
// acquisition is a single atomic insert with no engine-level locking.
type Lock struct {
	Resource   string         `json:"resource"`
	HeldBy     string         `json:"held_by"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	AcquiredAt time.Time      `json:"acquired_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// HeldError reports a denied acquire, carrying the current holder so the
// caller can tell who owns the resource.
type HeldError struct {
	Resource string
	HeldBy   string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s", e.Resource, e.HeldBy)
}

func (e *HeldError) Unwrap() error {
	return state.ErrConflict
}

// Status aggregates live lock counts for the caller-facing status op.
type Status struct {
	Total      int            `json:"total"`
	WithExpiry int            `json:"with_expiry"`
	ByHolder   map[string]int `json:"by_holder,omitempty"`
}

type Manager struct {
	db  *sql.DB
	log *events.Log

	nowFn func() time.Time
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func NewManager(db *sql.DB, log *events.Log, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// Acquire attempts to take the named resource for heldBy. timeout <= 0
// means the lock never expires on its own. A denied acquire returns a
// *HeldError naming the current holder; the existing lock is never
// overwritten.
func (m *Manager) Acquire(ctx context.Context, resource, heldBy string, timeout time.Duration, metadata map[string]any) (Lock, error) {
	if strings.TrimSpace(resource) == "" {
		return Lock{}, fmt.Errorf("resource is required")
	}
	if strings.TrimSpace(heldBy) == "" {
		return Lock{}, fmt.Errorf("held_by is required")
	}
	if err := m.sweepExpired(ctx); err != nil {
		return Lock{}, err
	}

	acquiredAt := m.now()
	var expiresAt *time.Time
	if timeout > 0 {
		t := acquiredAt.Add(timeout)
		expiresAt = &t
	}
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return Lock{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO locks (resource, held_by, metadata, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, resource, heldBy, metadataJSON, acquiredAt.Format(state.TimeFormat), formatNullableTime(expiresAt))
	if err != nil {
		if state.IsConflict(err) {
			holder, holderErr := m.currentHolder(ctx, resource)
			if holderErr != nil {
				return Lock{}, holderErr
			}
			return Lock{}, &HeldError{Resource: resource, HeldBy: holder}
		}
		return Lock{}, fmt.Errorf("insert lock: %w", err)
	}

	lock := Lock{
		Resource:   resource,
		HeldBy:     heldBy,
		Metadata:   metadata,
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	}
	if m.log != nil {
		details := map[string]any{schema.MetaResource: resource, schema.MetaHolder: heldBy}
		if expiresAt != nil {
			details["expires_at"] = expiresAt.Format(state.TimeFormat)
		}
		_, _ = m.log.Record(ctx, events.Input{
			Type:       schema.EventLockAcquired,
			AgentID:    heldBy,
			ResourceID: resource,
			Details:    details,
		})
	}
	return lock, nil
}

// Release deletes the lock only if heldBy is the current holder. Releasing
// someone else's lock (or a missing lock) returns false, not an error.
func (m *Manager) Release(ctx context.Context, resource, heldBy string) (bool, error) {
	if strings.TrimSpace(resource) == "" {
		return false, fmt.Errorf("resource is required")
	}
	res, err := state.ExecWithRetry(ctx, m.db, `DELETE FROM locks WHERE resource = ? AND held_by = ?`, resource, heldBy)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if m.log != nil {
		_, _ = m.log.Record(ctx, events.Input{
			Type:       schema.EventLockReleased,
			AgentID:    heldBy,
			ResourceID: resource,
			Details:    map[string]any{schema.MetaResource: resource},
		})
	}
	return true, nil
}

// ReleaseAll drops every lock heldBy owns and returns how many were
// released. Used by unregistration and stale-agent cleanup, so it must
// succeed even when the agent holds nothing.
func (m *Manager) ReleaseAll(ctx context.Context, heldBy string) (int, error) {
	if strings.TrimSpace(heldBy) == "" {
		return 0, fmt.Errorf("held_by is required")
	}
	res, err := state.ExecWithRetry(ctx, m.db, `DELETE FROM locks WHERE held_by = ?`, heldBy)
	if err != nil {
		return 0, fmt.Errorf("release all locks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release all rows affected: %w", err)
	}
	count := int(affected)
	if count > 0 && m.log != nil {
		_, _ = m.log.Record(ctx, events.Input{
			Type:    schema.EventLockReleased,
			AgentID: heldBy,
			Details: map[string]any{schema.MetaCount: count},
		})
	}
	return count, nil
}

// Check returns the current holder of the resource, or nil if it is free.
func (m *Manager) Check(ctx context.Context, resource string) (*Lock, error) {
	if strings.TrimSpace(resource) == "" {
		return nil, fmt.Errorf("resource is required")
	}
	if err := m.sweepExpired(ctx); err != nil {
		return nil, err
	}

	var lock Lock
	var metadataStr, expiresAtStr sql.NullString
	var acquiredAtStr string
	row := m.db.QueryRowContext(ctx, `
		SELECT resource, held_by, metadata, acquired_at, expires_at FROM locks WHERE resource = ?
	`, resource)
	if err := row.Scan(&lock.Resource, &lock.HeldBy, &metadataStr, &acquiredAtStr, &expiresAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load lock: %w", err)
	}
	lock.Metadata = decodeJSONMap(metadataStr.String)
	lock.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAtStr)
	lock.ExpiresAt = parseNullableTime(expiresAtStr)
	return &lock, nil
}

// List returns every live lock after sweeping expired ones, ordered by
// resource name.
func (m *Manager) List(ctx context.Context) ([]Lock, error) {
	if err := m.sweepExpired(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT resource, held_by, metadata, acquired_at, expires_at FROM locks ORDER BY resource ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		var lock Lock
		var metadataStr, expiresAtStr sql.NullString
		var acquiredAtStr string
		if err := rows.Scan(&lock.Resource, &lock.HeldBy, &metadataStr, &acquiredAtStr, &expiresAtStr); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		lock.Metadata = decodeJSONMap(metadataStr.String)
		lock.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAtStr)
		lock.ExpiresAt = parseNullableTime(expiresAtStr)
		out = append(out, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return out, nil
}

// AggregateStatus counts live locks after sweeping expired ones.
func (m *Manager) AggregateStatus(ctx context.Context) (Status, error) {
	if err := m.sweepExpired(ctx); err != nil {
		return Status{}, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT held_by, expires_at FROM locks`)
	if err != nil {
		return Status{}, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	status := Status{ByHolder: map[string]int{}}
	for rows.Next() {
		var heldBy string
		var expiresAtStr sql.NullString
		if err := rows.Scan(&heldBy, &expiresAtStr); err != nil {
			return Status{}, fmt.Errorf("scan lock: %w", err)
		}
		status.Total++
		if expiresAtStr.Valid {
			status.WithExpiry++
		}
		status.ByHolder[heldBy]++
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("iterate locks: %w", err)
	}
	return status, nil
}

// sweepExpired drops locks whose expiry has passed. It runs lazily before
// acquire and check, never on a timer, so an expired lock can linger until
// the next read touches the table.
func (m *Manager) sweepExpired(ctx context.Context) error {
	now := m.now().Format(state.TimeFormat)

	rows, err := m.db.QueryContext(ctx, `SELECT resource, held_by FROM locks WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return fmt.Errorf("find expired locks: %w", err)
	}
	type expired struct{ resource, heldBy string }
	var swept []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.resource, &e.heldBy); err != nil {
			rows.Close()
			return fmt.Errorf("scan expired lock: %w", err)
		}
		swept = append(swept, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate expired locks: %w", err)
	}
	if len(swept) == 0 {
		return nil
	}

	if _, err := state.ExecWithRetry(ctx, m.db, `DELETE FROM locks WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return fmt.Errorf("sweep expired locks: %w", err)
	}
	if m.log != nil {
		for _, e := range swept {
			_, _ = m.log.Record(ctx, events.Input{
				Type:       schema.EventLockExpired,
				AgentID:    e.heldBy,
				ResourceID: e.resource,
				Details:    map[string]any{schema.MetaResource: e.resource, schema.MetaHolder: e.heldBy},
			})
		}
	}
	return nil
}

func (m *Manager) currentHolder(ctx context.Context, resource string) (string, error) {
	var holder string
	err := m.db.QueryRowContext(ctx, `SELECT held_by FROM locks WHERE resource = ?`, resource).Scan(&holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Holder vanished between the failed insert and this read;
			// report the conflict without a holder rather than retrying.
			return "", nil
		}
		return "", fmt.Errorf("load lock holder: %w", err)
	}
	return holder, nil
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
