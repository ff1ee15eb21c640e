package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pingup/pingup/core/infra/locks"
	"github.com/pingup/pingup/core/workflow"
)

type recordingEngine struct {
	mu        sync.Mutex
	ready     []workflow.Ready
	recovered []time.Duration
	failFor   string
}

func (e *recordingEngine) Dispatch(ctx context.Context, r workflow.Ready) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failFor != "" && r.ExecutionID == e.failFor {
		return errors.New("dispatch failed")
	}
	e.ready = append(e.ready, r)
	return nil
}

func (e *recordingEngine) Recover(ctx context.Context, staleAfter time.Duration, limit int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovered = append(e.recovered, staleAfter)
	return 0, nil
}

type staticSource struct {
	items []workflow.Ready
	err   error
	panic bool
}

func (s *staticSource) Kind() string { return "static" }

func (s *staticSource) Due(context.Context, time.Time) ([]workflow.Ready, error) {
	if s.panic {
		panic("boom")
	}
	return s.items, s.err
}

func noop(context.Context, *workflow.StepContext) (any, error) { return nil, nil }

func newStore(t *testing.T) (*workflow.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := workflow.NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestTickDispatchesFromEverySource(t *testing.T) {
	engine := &recordingEngine{failFor: "bad"}
	s := New(engine,
		&staticSource{items: []workflow.Ready{{ExecutionID: "a"}, {ExecutionID: "bad"}}},
		&staticSource{err: errors.New("store down")},
		&staticSource{panic: true},
		&staticSource{items: []workflow.Ready{{ExecutionID: "b"}}},
	)
	if n := s.Tick(context.Background()); n != 2 {
		t.Fatalf("expected 2 dispatched, got %d", n)
	}
	if len(engine.ready) != 2 || engine.ready[0].ExecutionID != "a" || engine.ready[1].ExecutionID != "b" {
		t.Fatalf("unexpected dispatched %+v", engine.ready)
	}
}

func TestSleepersYieldOnlyDueExecutions(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for id, wake := range map[string]time.Time{
		"due":    now.Add(-time.Second),
		"exact":  now,
		"future": now.Add(time.Millisecond * 10),
	} {
		w := wake
		exec := &workflow.Execution{ID: id, DefinitionID: "wf", State: workflow.StateSleeping, WakeAt: &w}
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	items, err := NewSleepers(store, 10).Due(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	got := map[string]bool{}
	for _, item := range items {
		got[item.ExecutionID] = true
	}
	if len(got) != 2 || !got["due"] || !got["exact"] {
		t.Fatalf("expected due and exact only, got %v", got)
	}
}

func newCronRegistry(t *testing.T) (*workflow.Registry, *workflow.Definition) {
	t.Helper()
	reg := workflow.NewRegistry()
	def := &workflow.Definition{
		ID:      "digest",
		Trigger: workflow.Trigger{Cron: "0 9 * * *", Timezone: "Asia/Kolkata"},
		Steps:   []workflow.StepSpec{workflow.Run("collect", noop)},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, def
}

func TestCronFiresOncePerDayAtLocalTime(t *testing.T) {
	reg, _ := newCronRegistry(t)
	c := NewCron(reg)
	ctx := context.Background()
	ist, _ := time.LoadLocation("Asia/Kolkata")

	// 08:59 IST: first observation only schedules the next tick.
	start := time.Date(2025, 3, 1, 8, 59, 0, 0, ist)
	if items, _ := c.Due(ctx, start); len(items) != 0 {
		t.Fatalf("first observation must not fire, got %d", len(items))
	}
	next, ok := c.NextTick("digest")
	if !ok || !next.Equal(time.Date(2025, 3, 1, 9, 0, 0, 0, ist)) {
		t.Fatalf("unexpected next tick %s", next)
	}

	fired := 0
	for ts := start; ts.Before(start.Add(48 * time.Hour)); ts = ts.Add(time.Second * 30) {
		items, err := c.Due(ctx, ts)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		for _, item := range items {
			fired++
			local := item.At.In(ist)
			if local.Hour() != 9 || local.Minute() != 0 {
				t.Fatalf("fired at %s local", local)
			}
			if item.Definition == nil || item.Definition.ID != "digest" {
				t.Fatalf("unexpected ready item %+v", item)
			}
		}
	}
	if fired != 2 {
		t.Fatalf("expected one execution per day over two days, got %d", fired)
	}
}

func TestCronDoesNotBackfillMissedTicks(t *testing.T) {
	reg, _ := newCronRegistry(t)
	c := NewCron(reg)
	ctx := context.Background()
	ist, _ := time.LoadLocation("Asia/Kolkata")

	c.Due(ctx, time.Date(2025, 3, 1, 8, 0, 0, 0, ist))
	// Process stalls for three days; the 09:00 ticks in between are lost.
	late := time.Date(2025, 3, 4, 10, 0, 0, 0, ist)
	if items, _ := c.Due(ctx, late); len(items) != 0 {
		t.Fatalf("missed ticks must not fire, got %d", len(items))
	}
	next, _ := c.NextTick("digest")
	if !next.Equal(time.Date(2025, 3, 5, 9, 0, 0, 0, ist)) {
		t.Fatalf("expected next tick on day 5, got %s", next.In(ist))
	}

	// A fresh process (restart) also only schedules forward.
	restarted := NewCron(reg)
	if items, _ := restarted.Due(ctx, time.Date(2025, 3, 5, 9, 0, 30, 0, ist)); len(items) != 0 {
		t.Fatalf("restart must not backfill, got %d", len(items))
	}
}

func TestCronTickFiresOnOneReplica(t *testing.T) {
	_, srv := newStore(t)
	reg, _ := newCronRegistry(t)
	ctx := context.Background()
	ist, _ := time.LoadLocation("Asia/Kolkata")

	var replicas []*Cron
	for i := 0; i < 2; i++ {
		l, err := locks.NewRedisStore("redis://" + srv.Addr())
		if err != nil {
			t.Fatalf("locks: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		replicas = append(replicas, NewCron(reg).WithLocker(l))
	}
	before := time.Date(2025, 3, 1, 8, 59, 0, 0, ist)
	at := time.Date(2025, 3, 1, 9, 0, 1, 0, ist)
	fired := 0
	for _, c := range replicas {
		c.Due(ctx, before)
	}
	for _, c := range replicas {
		items, err := c.Due(ctx, at)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		fired += len(items)
	}
	if fired != 1 {
		t.Fatalf("expected exactly one replica to fire, got %d", fired)
	}
}

func TestSchedulerStartRecoversThenPolls(t *testing.T) {
	engine := &recordingEngine{}
	s := New(engine, &staticSource{items: []workflow.Ready{{ExecutionID: "a"}}}).
		WithPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		engine.mu.Lock()
		n := len(engine.ready)
		engine.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler did not poll")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.recovered) == 0 || engine.recovered[0] != 0 {
		t.Fatalf("expected startup recovery with zero staleness, got %v", engine.recovered)
	}
}
