package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/jobs"
	"github.com/haasonsaas/taskgate/internal/runs"
)

type failingJobs struct {
	jobs.Store
}

func (failingJobs) Enqueue(ctx context.Context, job *jobs.Job) (bool, error) {
	return false, errors.New("queue unavailable")
}

type failingMessages struct {
	runs.Store
}

func (failingMessages) AddMessage(ctx context.Context, message *runs.Message) (bool, error) {
	return false, errors.New("messages unavailable")
}

func TestOnPrimaryFailureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	runStore, jobStore := runs.NewMemoryStore(), jobs.NewMemoryStore()
	o := NewOrchestrator(runStore, jobStore, OrchestratorConfig{Logger: discardLogger()})
	req := FallbackRequest{
		RequestID: "req-1",
		TenantID:  "T1",
		UserID:    "user-1",
		Prompt:    "summarize the report",
		TaskType:  "llm.complete",
		Payload:   json.RawMessage(`{"q":"report"}`),
	}

	first, err := o.OnPrimaryFailure(ctx, req)
	if err != nil {
		t.Fatalf("OnPrimaryFailure() error = %v", err)
	}
	second, err := o.OnPrimaryFailure(ctx, req)
	if err != nil {
		t.Fatalf("second OnPrimaryFailure() error = %v", err)
	}
	if first.ID != second.ID || first.Status != runs.StatusPending {
		t.Fatalf("expected the same pending run, got %+v and %+v", first, second)
	}

	tenantRuns, _ := runStore.ListRuns(ctx, "T1", 10, 0)
	if len(tenantRuns) != 1 {
		t.Fatalf("expected one run, got %d", len(tenantRuns))
	}
	messages, _ := runStore.ListMessages(ctx, first.ID)
	if len(messages) != 1 || messages[0].Content != req.Prompt || messages[0].Role != runs.RoleUser {
		t.Fatalf("expected the prompt as the only message, got %+v", messages)
	}
	queued, _ := jobStore.ListByRun(ctx, first.ID)
	if len(queued) != 1 {
		t.Fatalf("expected one job, got %d", len(queued))
	}
	job := queued[0]
	if job.RequestID != "req-1" || job.TaskType != "llm.complete" || job.Status != jobs.StatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
	if string(job.Payload) != `{"q":"report"}` {
		t.Fatalf("expected payload carried to the job, got %s", job.Payload)
	}
}

func TestOnPrimaryFailureUsesPayloadWithoutPrompt(t *testing.T) {
	ctx := context.Background()
	runStore := runs.NewMemoryStore()
	o := NewOrchestrator(runStore, jobs.NewMemoryStore(), OrchestratorConfig{Logger: discardLogger()})
	run, err := o.OnPrimaryFailure(ctx, FallbackRequest{RequestID: "r", TenantID: "T1", Payload: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("OnPrimaryFailure() error = %v", err)
	}
	messages, _ := runStore.ListMessages(ctx, run.ID)
	if len(messages) != 1 || messages[0].Content != `{"a":1}` {
		t.Fatalf("expected payload as message content, got %+v", messages)
	}
}

func TestOnPrimaryFailureStoreErrorIsHard(t *testing.T) {
	o := NewOrchestrator(runs.NewMemoryStore(), failingJobs{jobs.NewMemoryStore()}, OrchestratorConfig{Logger: discardLogger()})
	_, err := o.OnPrimaryFailure(context.Background(), FallbackRequest{RequestID: "r", TenantID: "T1"})
	e, ok := execution.AsError(err)
	if !ok || e.Code != execution.CodeExternalUnavailable {
		t.Fatalf("expected external-unavailable, got %v", err)
	}
	if e.Retryable {
		t.Fatal("expected fallback failure not to be retryable")
	}
}

func TestOnPrimaryFailureLeavesNoPendingRunWithoutJob(t *testing.T) {
	tests := []struct {
		name string
		runs func(*runs.MemoryStore) runs.Store
		jobs func(*jobs.MemoryStore) jobs.Store
	}{
		{
			name: "enqueue fails",
			runs: func(s *runs.MemoryStore) runs.Store { return s },
			jobs: func(s *jobs.MemoryStore) jobs.Store { return failingJobs{s} },
		},
		{
			name: "message fails",
			runs: func(s *runs.MemoryStore) runs.Store { return failingMessages{s} },
			jobs: func(s *jobs.MemoryStore) jobs.Store { return s },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			runStore, jobStore := runs.NewMemoryStore(), jobs.NewMemoryStore()
			o := NewOrchestrator(tt.runs(runStore), tt.jobs(jobStore), OrchestratorConfig{Logger: discardLogger()})

			if _, err := o.OnPrimaryFailure(ctx, FallbackRequest{RequestID: "req-1", TenantID: "T1"}); err == nil {
				t.Fatal("expected fallback error")
			}
			run, err := runStore.GetRun(ctx, FallbackRunID("req-1"))
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if run.Status != runs.StatusFailed {
				t.Fatalf("expected abandoned run to be failed, got %s", run.Status)
			}
			queued, _ := jobStore.ListByRun(ctx, run.ID)
			if len(queued) != 0 {
				t.Fatalf("expected no jobs, got %d", len(queued))
			}

			// Retrying the request once the stores recover does not revive
			// the abandoned run.
			healthy := NewOrchestrator(runStore, jobStore, OrchestratorConfig{Logger: discardLogger()})
			_, err = healthy.OnPrimaryFailure(ctx, FallbackRequest{RequestID: "req-1", TenantID: "T1"})
			if e, ok := execution.AsError(err); !ok || e.Code != execution.CodeExternalUnavailable {
				t.Fatalf("expected external-unavailable on retry, got %v", err)
			}
			if queued, _ := jobStore.ListByRun(ctx, run.ID); len(queued) != 0 {
				t.Fatalf("expected no job for the abandoned run, got %d", len(queued))
			}
		})
	}
}

func TestOnPrimaryFailureRequiresRequestID(t *testing.T) {
	o := NewOrchestrator(runs.NewMemoryStore(), jobs.NewMemoryStore(), OrchestratorConfig{})
	_, err := o.OnPrimaryFailure(context.Background(), FallbackRequest{TenantID: "T1"})
	if !errors.Is(err, errRequestIDRequired) {
		t.Fatalf("expected request id error, got %v", err)
	}
}

func TestDispatchFallbackFailureSurfacesHard(t *testing.T) {
	h := newHarness(t, unavailable)
	orchestrator := NewOrchestrator(h.runs, failingJobs{h.jobs}, OrchestratorConfig{Logger: discardLogger()})
	h.dispatcher.fallback = orchestrator
	h.fund(t, "T1", 10)

	_, err := h.dispatcher.Dispatch(context.Background(), Request{Operation: "shell.exec"}, identity("T1"))
	e, ok := execution.AsError(err)
	if !ok || e.Code != execution.CodeExternalUnavailable || e.Retryable {
		t.Fatalf("expected hard external-unavailable, got %v", err)
	}
	if calls := len(h.backend.calls()); calls != 1 {
		t.Fatalf("expected the fallback failure not to trigger retries, got %d calls", calls)
	}
	if got := h.available(t, "T1"); got != 10 {
		t.Fatalf("expected refund, got balance %d", got)
	}

	tenantRuns, _ := h.runs.ListRuns(context.Background(), "T1", 10, 0)
	for _, run := range tenantRuns {
		queued, _ := h.jobs.ListByRun(context.Background(), run.ID)
		if run.Status == runs.StatusPending && len(queued) == 0 {
			t.Fatalf("run %s left pending without a job", run.ID)
		}
	}
}

func TestCancelJobs(t *testing.T) {
	ctx := context.Background()
	jobStore := jobs.NewMemoryStore()
	o := NewOrchestrator(runs.NewMemoryStore(), jobStore, OrchestratorConfig{Logger: discardLogger()})
	run, err := o.OnPrimaryFailure(ctx, FallbackRequest{RequestID: "r", TenantID: "T1"})
	if err != nil {
		t.Fatalf("OnPrimaryFailure() error = %v", err)
	}
	if err := o.CancelJobs(ctx, run.ID); err != nil {
		t.Fatalf("CancelJobs() error = %v", err)
	}
	queued, _ := jobStore.ListByRun(ctx, run.ID)
	if len(queued) != 1 || queued[0].Status != jobs.StatusFailed {
		t.Fatalf("expected cancelled job, got %+v", queued)
	}
}
