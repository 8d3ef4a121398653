package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newJob(id, requestID string) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		RunID:     "run-" + id,
		RequestID: requestID,
		TenantID:  "t1",
		TaskType:  "web.search",
		Payload:   json.RawMessage(`{"query":"go"}`),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreEnqueueIsIdempotentPerRequest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Enqueue(ctx, newJob("job-1", "req-1"))
	if err != nil || !created {
		t.Fatalf("Enqueue() = %v, %v", created, err)
	}
	created, err = store.Enqueue(ctx, newJob("job-2", "req-1"))
	if err != nil || created {
		t.Fatalf("duplicate Enqueue() = %v, %v", created, err)
	}

	list, _ := store.List(ctx, 0, 0)
	if len(list) != 1 {
		t.Fatalf("expected one job, got %d", len(list))
	}
	got, err := store.GetByRequestID(ctx, "req-1")
	if err != nil || got.ID != "job-1" {
		t.Fatalf("GetByRequestID() = %+v, %v", got, err)
	}
}

func TestMemoryStoreEnqueueRejectsNil(t *testing.T) {
	if _, err := NewMemoryStore().Enqueue(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestMemoryStoreGetReturnsClone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Enqueue(ctx, newJob("job-1", "req-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	got, _ := store.Get(ctx, "job-1")
	got.Status = StatusSucceeded
	got.Payload[0] = 'X'

	again, _ := store.Get(ctx, "job-1")
	if again.Status != StatusPending || string(again.Payload) != `{"query":"go"}` {
		t.Fatalf("mutating a returned job changed the store: %+v", again)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := newJob("job-1", "req-1")
	if _, err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job.Status = StatusRunning
	job.Attempts = 1
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ := store.Get(ctx, "job-1")
	if got.Status != StatusRunning || got.Attempts != 1 {
		t.Fatalf("unexpected job after update %+v", got)
	}
	if err := store.Update(ctx, newJob("missing", "")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListAndListByRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		job := newJob(fmt.Sprintf("job-%d", i), fmt.Sprintf("req-%d", i))
		if i%2 == 0 {
			job.RunID = "run-even"
		}
		if _, err := store.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	page, _ := store.List(ctx, 2, 1)
	if len(page) != 2 || page[0].ID != "job-1" || page[1].ID != "job-2" {
		t.Fatalf("unexpected page %+v", page)
	}
	if empty, _ := store.List(ctx, 2, 10); len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
	even, _ := store.ListByRun(ctx, "run-even")
	if len(even) != 3 {
		t.Fatalf("expected 3 jobs for run-even, got %d", len(even))
	}
}

func TestMemoryStorePruneKeepsUnfinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := newJob("old-done", "req-1")
	old.Status = StatusSucceeded
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	oldPending := newJob("old-pending", "req-2")
	oldPending.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := newJob("recent", "req-3")
	recent.Status = StatusFailed

	for _, job := range []*Job{old, oldPending, recent} {
		if _, err := store.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned job, got %d", pruned)
	}
	if _, err := store.Get(ctx, "old-pending"); err != nil {
		t.Fatalf("pending job must survive prune: %v", err)
	}
	// The pruned request id may be enqueued again.
	if created, _ := store.Enqueue(ctx, newJob("again", "req-1")); !created {
		t.Fatal("expected pruned request id to be reusable")
	}
}

func TestMemoryStoreCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pending := newJob("pending", "req-1")
	done := newJob("done", "req-2")
	done.Status = StatusSucceeded
	for _, job := range []*Job{pending, done} {
		if _, err := store.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if err := store.Cancel(ctx, "pending"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := store.Cancel(ctx, "done"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := store.Get(ctx, "pending")
	if got.Status != StatusFailed || got.Error != "job cancelled" || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected cancelled job %+v", got)
	}
	got, _ = store.Get(ctx, "done")
	if got.Status != StatusSucceeded {
		t.Fatalf("finished job must not be cancelled, got %s", got.Status)
	}
	if err := store.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreConcurrentEnqueueSameRequest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.Enqueue(ctx, newJob(fmt.Sprintf("job-%d", i), "req-shared"))
			if err != nil {
				t.Errorf("Enqueue() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one job created, got %d", created)
	}
}
