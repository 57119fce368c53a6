package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/schema"
	"github.com/subtlefox/coordd/internal/testutil"
)

func TestRecordAndList(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := events.NewLog(db, events.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := log.Record(ctx, events.Input{Type: schema.EventAgentRegistered, AgentID: "a1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := log.Record(ctx, events.Input{Type: schema.EventTaskCreated, AgentID: "a1", ResourceID: "t1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := log.Record(ctx, events.Input{Type: schema.EventTaskClaimed, AgentID: "a2", ResourceID: "t1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := log.List(ctx, events.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != schema.EventTaskClaimed {
		t.Fatalf("expected newest first, got %s", all[0].Type)
	}

	byAgent, err := log.List(ctx, events.ListFilter{AgentID: "a1"})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected 2 events for a1, got %d", len(byAgent))
	}

	byType, err := log.List(ctx, events.ListFilter{Type: schema.EventTaskCreated})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ResourceID != "t1" {
		t.Fatalf("expected one task_created event for t1")
	}

	limited, err := log.List(ctx, events.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results, got %d", len(limited))
	}
}

func TestRecordRequiresType(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	log := events.NewLog(db)
	if _, err := log.Record(context.Background(), events.Input{}); err == nil {
		t.Fatalf("expected error for missing event type")
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	log := events.NewLog(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := log.Subscribe(ctx)

	if _, err := log.Record(ctx, events.Input{Type: schema.EventLockAcquired, AgentID: "a1", ResourceID: "repo"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	select {
	case evt := <-sub:
		if evt.Type != schema.EventLockAcquired {
			t.Fatalf("expected lock_acquired, got %s", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}

	cancel()
	select {
	case _, ok := <-sub:
		if ok {
			// Drain until the channel closes.
			for range sub {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for channel close")
	}
}
