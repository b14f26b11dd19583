package timer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

// fakeFirer records fired timers, resolving them like the engine unless told
// to fail.
type fakeFirer struct {
	store *store.SQLiteStore
	fired []*model.Timer
	err   error
}

func (f *fakeFirer) FireTimer(ctx context.Context, t *model.Timer) error {
	if f.err != nil {
		f.fired = append(f.fired, t)
		return f.err
	}
	if err := f.store.ResolveTimer(ctx, t.ExecutionID, t.RunID, t.TimerID, model.TimerFired); err != nil {
		return err
	}
	f.fired = append(f.fired, t)
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startTimers creates a running execution with one pending timer row per
// given fire time, ids t1, t2, ...
func startTimers(t *testing.T, s *store.SQLiteStore, now time.Time, fireAts ...time.Time) {
	t.Helper()
	ctx := context.Background()

	exec := &model.Execution{
		ID:           "exec-1",
		RunID:        "run-1",
		WorkflowType: "reminder-flow",
		TaskQueue:    "default",
		DedupKey:     "exec-1",
		Status:       model.StatusRunning,
		WaitState:    model.WaitOnTimer,
		CreatedAt:    now,
	}
	started := model.MustEvent(model.EventExecutionStarted, model.ExecutionStartedAttrs{
		WorkflowType: exec.WorkflowType,
		TaskQueue:    exec.TaskQueue,
	})
	started.CreatedAt = now
	if err := s.CreateExecution(ctx, exec, started, nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	var events []*model.Event
	var timers []*model.Timer
	for i, fireAt := range fireAts {
		id := fmt.Sprintf("t%d", i+1)
		ev := model.MustEvent(model.EventTimerStarted, model.TimerStartedAttrs{TimerID: id, FireAt: fireAt})
		ev.CreatedAt = now
		events = append(events, ev)
		timers = append(timers, &model.Timer{
			ExecutionID: exec.ID,
			RunID:       exec.RunID,
			TimerID:     id,
			FireAt:      fireAt,
			Status:      model.TimerPending,
			CreatedAt:   now,
		})
	}
	if _, err := s.Commit(ctx, &store.CommitRequest{
		ExecutionID:  exec.ID,
		RunID:        exec.RunID,
		LastKnownSeq: exec.LastSeq,
		Events:       events,
		CreateTimers: timers,
	}); err != nil {
		t.Fatalf("Commit timers: %v", err)
	}
}

func TestTickFiresOnlyDueTimers(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	startTimers(t, s, start, start.Add(time.Minute), start.Add(time.Hour))

	firer := &fakeFirer{store: s}
	svc := New(s, firer, testLogger(), time.Second, clock)

	svc.Tick(context.Background())
	if len(firer.fired) != 0 {
		t.Fatalf("fired %d timers before their deadline", len(firer.fired))
	}

	now = start.Add(time.Minute + time.Second)
	svc.Tick(context.Background())
	if len(firer.fired) != 1 || firer.fired[0].TimerID != "t1" {
		t.Fatalf("fired = %+v, want only t1", firer.fired)
	}

	now = start.Add(time.Hour + time.Second)
	svc.Tick(context.Background())
	if len(firer.fired) != 2 || firer.fired[1].TimerID != "t2" {
		t.Fatalf("fired = %+v, want t1 then t2", firer.fired)
	}
}

func TestTickDoesNotSpinOnFailedFire(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(time.Minute)
	clock := func() time.Time { return now }

	startTimers(t, s, start, start.Add(time.Second))

	firer := &fakeFirer{store: s, err: fmt.Errorf("engine unavailable")}
	svc := New(s, firer, testLogger(), time.Second, clock)

	svc.Tick(context.Background())
	if len(firer.fired) != 1 {
		t.Fatalf("fire attempts = %d, want exactly 1 per tick", len(firer.fired))
	}

	// The row stays pending, so the next tick retries it.
	svc.Tick(context.Background())
	if len(firer.fired) != 2 {
		t.Fatalf("fire attempts = %d, want a retry on the next tick", len(firer.fired))
	}
}
