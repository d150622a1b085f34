package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

func startEvent() workflow.Event {
	input := workflow.Input{
		ShipmentID:            "sh_123",
		CustomerID:            "cust_42",
		OriginCoord:           "52.5,13.4",
		DestCoord:             "48.1,11.5",
		EstimatedDelivery:     time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC),
		DelayThresholdMinutes: 30,
	}
	return workflow.Event{Seq: 1, Type: workflow.EventRunStarted, Input: &input, RecordedAt: time.Now().UTC()}
}

func newRun(id string) Run {
	first := startEvent()
	return Run{ID: id, Input: *first.Input, State: workflow.StateAwaitingTraffic}
}

func TestMemoryStoreCreateRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateRun(ctx, newRun("run-1"), startEvent()); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := store.CreateRun(ctx, newRun("run-1"), startEvent()); !errors.Is(err, ErrRunExists) {
		t.Errorf("duplicate CreateRun() error = %v, want ErrRunExists", err)
	}

	first := startEvent()
	first.Seq = 2
	if err := store.CreateRun(ctx, newRun("run-2"), first); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("CreateRun() with seq 2 error = %v, want ErrSequenceConflict", err)
	}
}

func TestMemoryStoreAppendSequenceGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateRun(ctx, newRun("run-1"), startEvent()); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	ev := workflow.Event{Seq: 2, Type: workflow.EventActivityScheduled, Activity: workflow.ActivityFetchTraffic, Attempt: 1}
	if err := store.Append(ctx, "run-1", ev, workflow.StateAwaitingTraffic); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Appending seq 2 again must conflict, not overwrite.
	if err := store.Append(ctx, "run-1", ev, workflow.StateAwaitingTraffic); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("Append() duplicate seq error = %v, want ErrSequenceConflict", err)
	}

	gap := workflow.Event{Seq: 4, Type: workflow.EventRunCancelled}
	if err := store.Append(ctx, "run-1", gap, workflow.StateCancelled); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("Append() with gap error = %v, want ErrSequenceConflict", err)
	}

	if err := store.Append(ctx, "missing", ev, workflow.StateAwaitingTraffic); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Append() missing run error = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateRun(ctx, newRun("run-1"), startEvent()); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	_, events, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	events[0].Type = "mutated"

	_, events2, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if events2[0].Type != workflow.EventRunStarted {
		t.Error("Load() does not isolate callers from each other")
	}

	if _, _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Load() missing run error = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreListFiltersByState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"run-1", "run-2"} {
		if err := store.CreateRun(ctx, newRun(id), startEvent()); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}
	done := workflow.Event{Seq: 2, Type: workflow.EventRunCancelled}
	if err := store.Append(ctx, "run-2", done, workflow.StateCancelled); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	runs, err := store.List(ctx, []workflow.State{workflow.StateAwaitingTraffic})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("List(awaiting_traffic) = %+v, want run-1 only", runs)
	}

	all, err := store.List(ctx, nil)
	if err != nil {
		t.Fatalf("List(nil) error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(nil) returned %d runs, want 2", len(all))
	}
}

func TestMemoryStoreRequestCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateRun(ctx, newRun("run-1"), startEvent()); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	if err := store.RequestCancel(ctx, "run-1"); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	run, _, _ := store.Load(ctx, "run-1")
	if !run.CancelRequested {
		t.Error("CancelRequested = false after RequestCancel")
	}

	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("RequestCancel() missing run error = %v, want ErrRunNotFound", err)
	}
}
