package locks_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/state"
	"github.com/subtlefox/coordd/internal/testutil"
)

func TestAcquireMutualExclusion(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	log := events.NewLog(db)
	mgr := locks.NewManager(db, log)
	ctx := context.Background()

	lock, err := mgr.Acquire(ctx, "repo", "alice", 0, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lock.HeldBy != "alice" {
		t.Fatalf("expected alice to hold the lock")
	}
	if lock.ExpiresAt != nil {
		t.Fatalf("expected unbounded lock")
	}

	_, err = mgr.Acquire(ctx, "repo", "bob", 0, nil)
	if err == nil {
		t.Fatalf("expected second acquire to be denied")
	}
	var held *locks.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got: %v", err)
	}
	if held.HeldBy != "alice" {
		t.Fatalf("expected holder alice, got %s", held.HeldBy)
	}
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("denied acquire should be a conflict")
	}

	// A different resource is free.
	if _, err := mgr.Acquire(ctx, "docs", "bob", 0, nil); err != nil {
		t.Fatalf("acquire other resource: %v", err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := locks.NewManager(db, events.NewLog(db))
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, "repo", "alice", 0, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ok, err := mgr.Release(ctx, "repo", "bob")
	if err != nil {
		t.Fatalf("release as non-holder: %v", err)
	}
	if ok {
		t.Fatalf("expected release by non-holder to fail")
	}

	ok, err = mgr.Release(ctx, "repo", "alice")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !ok {
		t.Fatalf("expected release by holder to succeed")
	}

	lock, err := mgr.Check(ctx, "repo")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected resource to be free")
	}
}

func TestReleaseAll(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := locks.NewManager(db, events.NewLog(db))
	ctx := context.Background()

	for _, resource := range []string{"a", "b", "c"} {
		if _, err := mgr.Acquire(ctx, resource, "alice", 0, nil); err != nil {
			t.Fatalf("acquire %s: %v", resource, err)
		}
	}
	if _, err := mgr.Acquire(ctx, "d", "bob", 0, nil); err != nil {
		t.Fatalf("acquire d: %v", err)
	}

	count, err := mgr.ReleaseAll(ctx, "alice")
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 released, got %d", count)
	}

	// Releasing again is a no-op, not an error.
	count, err = mgr.ReleaseAll(ctx, "alice")
	if err != nil {
		t.Fatalf("release all again: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 released, got %d", count)
	}

	lock, err := mgr.Check(ctx, "d")
	if err != nil {
		t.Fatalf("check d: %v", err)
	}
	if lock == nil || lock.HeldBy != "bob" {
		t.Fatalf("expected bob to still hold d")
	}
}

func TestExpirySweep(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr := locks.NewManager(db, events.NewLog(db), locks.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, "repo", "alice", 30*time.Second, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	lock, err := mgr.Check(ctx, "repo")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if lock == nil {
		t.Fatalf("expected lock before expiry")
	}

	now = now.Add(31 * time.Second)

	lock, err = mgr.Check(ctx, "repo")
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected expired lock to be swept")
	}

	// The resource can be re-acquired after the sweep.
	if _, err := mgr.Acquire(ctx, "repo", "bob", 0, nil); err != nil {
		t.Fatalf("re-acquire after expiry: %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := locks.NewManager(db, events.NewLog(db))
	ctx := context.Background()

	const claimants = 8
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := mgr.Acquire(ctx, "repo", fmt.Sprintf("agent-%d", n), 0, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
			continue
		}
		var held *locks.HeldError
		if !errors.As(err, &held) {
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	lock, err := mgr.Check(ctx, "repo")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if lock == nil {
		t.Fatalf("expected the winning lock to be held")
	}
}

func TestExpirySweepAtFractionalRead(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	// Expiry lands on a whole second; the read happens mid-second. The
	// stored timestamps must still compare correctly as text.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr := locks.NewManager(db, events.NewLog(db), locks.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, "repo", "alice", 30*time.Second, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(30*time.Second + 500*time.Millisecond)

	lock, err := mgr.Check(ctx, "repo")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected lock expired at whole-second boundary to be swept")
	}
}

func TestAggregateStatus(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	mgr := locks.NewManager(db, events.NewLog(db))
	ctx := context.Background()

	if _, err := mgr.Acquire(ctx, "a", "alice", 0, nil); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := mgr.Acquire(ctx, "b", "alice", time.Minute, nil); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if _, err := mgr.Acquire(ctx, "c", "bob", 0, nil); err != nil {
		t.Fatalf("acquire c: %v", err)
	}

	status, err := mgr.AggregateStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Total != 3 {
		t.Fatalf("expected 3 locks, got %d", status.Total)
	}
	if status.WithExpiry != 1 {
		t.Fatalf("expected 1 expiring lock, got %d", status.WithExpiry)
	}
	if status.ByHolder["alice"] != 2 || status.ByHolder["bob"] != 1 {
		t.Fatalf("unexpected holder counts: %v", status.ByHolder)
	}
}
