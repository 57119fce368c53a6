package state

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrNotFound marks a lookup of an agent, task, memory entry, or lock that
// does not exist. Callers wrap it with the entity description.
var ErrNotFound = errors.New("not found")

// ErrConflict marks a uniqueness violation on insert (duplicate lock
// resource, duplicate agent name). Callers that use the store's unique
// constraints as their atomicity primitive depend on this being
// distinguishable from other failures.
var ErrConflict = errors.New("conflict")

// IsConflict reports whether err is a sqlite UNIQUE-constraint violation.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// IsBusy reports whether err means the store is locked by another writer.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// ExecWithRetry runs an exec statement, retrying a handful of times with
// backoff while the store is busy. The total wait is bounded; contention
// beyond it surfaces as the busy error rather than hanging the caller.
func ExecWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !IsBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return nil, err
}
