package workflow

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteStoreExecutionLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	exec := &Execution{ID: "exec-1", DefinitionID: "reminder", Steps: map[string]*StepState{"wait": newStepState()}}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateExecution(ctx, exec); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	wake := time.Now().Add(time.Hour).UTC()
	exec.State = StateSleeping
	exec.WakeAt = &wake
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if due, _ := store.ListDue(ctx, time.Now(), 10); len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %v", due)
	}
	due, err := store.ListDue(ctx, wake, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected exec due, got %v (%v)", due, err)
	}
	ids, err := store.ListByState(ctx, StateSleeping, 10)
	if err != nil || len(ids) != 1 || ids[0] != "exec-1" {
		t.Fatalf("expected sleeping exec, got %v (%v)", ids, err)
	}

	got, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WakeAt == nil || !got.WakeAt.Equal(wake) {
		t.Fatalf("wake_at not persisted: %v", got.WakeAt)
	}

	if err := store.SaveExecution(ctx, &Execution{ID: "missing", DefinitionID: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on save, got %v", err)
	}
	if _, err := store.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on get, got %v", err)
	}
}

func TestSQLiteStoreTimeline(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, typ := range []string{"started", "step_completed", "completed"} {
		if err := store.AppendTimeline(ctx, "exec-1", TimelineEvent{Type: typ}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.AppendTimeline(ctx, "exec-2", TimelineEvent{Type: "started"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := store.ListTimeline(ctx, "exec-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Type != "started" || events[2].Type != "completed" {
		t.Fatalf("unexpected timeline %+v", events)
	}
}

func TestSQLiteStoreDrivesEngine(t *testing.T) {
	store := newTestSQLiteStore(t)
	var calls atomic.Int32
	def := &Definition{
		ID:      "sqlite-backed",
		Trigger: Trigger{Event: "e"},
		Steps: []StepSpec{
			Run("one", func(ctx context.Context, sc *StepContext) (any, error) {
				calls.Add(1)
				return "ok", nil
			}),
		},
	}
	reg := NewRegistry()
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine := NewEngine(store, reg)
	exec, err := engine.Start(context.Background(), def, Event{Name: "e"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Wait()
	got, err := store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateCompleted || calls.Load() != 1 {
		t.Fatalf("unexpected state %s calls %d", got.State, calls.Load())
	}
}

func TestSQLiteStoreListStaleOldestFirst(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	create := func(id string) {
		if err := store.CreateExecution(ctx, &Execution{ID: id, DefinitionID: "d"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		time.Sleep(3 * time.Millisecond)
	}
	create("old-1")
	create("old-2")
	cutoff := time.Now().UTC()
	time.Sleep(3 * time.Millisecond)
	create("new-1")

	sleeping := &Execution{ID: "sleeper", DefinitionID: "d", State: StateSleeping}
	if err := store.CreateExecution(ctx, sleeping); err != nil {
		t.Fatalf("create sleeper: %v", err)
	}

	ids, err := store.ListStale(ctx, cutoff, 1)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old-1" {
		t.Fatalf("expected [old-1], got %v", ids)
	}
	ids, _ = store.ListStale(ctx, cutoff, 10)
	if len(ids) != 2 || ids[1] != "old-2" {
		t.Fatalf("expected both old executions, got %v", ids)
	}
}
