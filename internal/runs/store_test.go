package runs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := &Run{ID: "run-1", TenantID: "t1", Status: StatusPending, CreatedAt: time.Now()}

	created, err := store.CreateRun(ctx, run)
	if err != nil || !created {
		t.Fatalf("first CreateRun() = %v, %v", created, err)
	}
	run.Prompt = "changed"
	created, err = store.CreateRun(ctx, run)
	if err != nil || created {
		t.Fatalf("second CreateRun() = %v, %v", created, err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Prompt != "" {
		t.Fatalf("duplicate create overwrote run: %+v", got)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateRunGuardsStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := &Run{ID: "run-1", Status: StatusPending}
	if _, err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	executing := run.Clone()
	if err := executing.Transition(StatusExecuting, time.Now()); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := store.UpdateRun(ctx, executing, StatusPending); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}

	// A writer holding a stale copy loses.
	stale := run.Clone()
	stale.Status = StatusCancelled
	if err := store.UpdateRun(ctx, stale, StatusPending); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.UpdateRun(ctx, &Run{ID: "missing"}, StatusPending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.CreateRun(ctx, &Run{ID: "run-1"}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	for i, stepID := range []string{"a", "b", "a"} {
		if err := store.AppendStep(ctx, &Step{ID: string(rune('x' + i)), RunID: "run-1", StepID: stepID}); err != nil {
			t.Fatalf("AppendStep() error = %v", err)
		}
	}
	if err := store.AppendStep(ctx, &Step{RunID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	count, _ := store.CountSteps(ctx, "run-1", "a")
	if count != 2 {
		t.Fatalf("expected 2 dispatches of step a, got %d", count)
	}
	steps, _ := store.ListSteps(ctx, "run-1")
	if len(steps) != 3 || steps[1].StepID != "b" {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestMemoryStoreMessagesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.CreateRun(ctx, &Run{ID: "run-1"}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	message := &Message{ID: "msg-1", RunID: "run-1", Role: RoleUser, Content: "hello"}
	for i := 0; i < 2; i++ {
		if _, err := store.AddMessage(ctx, message); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}
	messages, _ := store.ListMessages(ctx, "run-1")
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
}

func TestMemoryStoreListRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, run := range []*Run{
		{ID: "r1", TenantID: "t1"},
		{ID: "r2", TenantID: "t2"},
		{ID: "r3", TenantID: "t1"},
	} {
		if _, err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}
	list, _ := store.ListRuns(ctx, "t1", 0, 0)
	if len(list) != 2 || list[0].ID != "r3" {
		t.Fatalf("expected newest t1 run first, got %+v", list)
	}
	list, _ = store.ListRuns(ctx, "", 1, 1)
	if len(list) != 1 || list[0].ID != "r2" {
		t.Fatalf("unexpected page %+v", list)
	}
}
