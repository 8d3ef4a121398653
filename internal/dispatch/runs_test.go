package dispatch

import (
	"context"
	"testing"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/jobs"
	"github.com/haasonsaas/taskgate/internal/routing"
	"github.com/haasonsaas/taskgate/internal/runs"
)

func TestCreateRunIsIdempotentPerRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, succeed)
	req := CreateRunRequest{RequestID: "create-1", Prompt: "p", ExecutionPlan: []string{" a ", "b"}}

	first, err := h.dispatcher.CreateRun(ctx, req, identity("T1"))
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	second, err := h.dispatcher.CreateRun(ctx, req, identity("T1"))
	if err != nil {
		t.Fatalf("second CreateRun() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same run, got %s and %s", first.ID, second.ID)
	}
	if first.ExecutionPlan[0] != "a" || first.Status != runs.StatusPending || first.TenantID != "T1" {
		t.Fatalf("unexpected run %+v", first)
	}
}

func TestCreateRunRejectsBadPlans(t *testing.T) {
	h := newHarness(t, succeed)
	tests := map[string][]string{
		"empty step":    {"a", " "},
		"repeated step": {"a", "a"},
	}
	for name, plan := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.dispatcher.CreateRun(context.Background(), CreateRunRequest{ExecutionPlan: plan}, identity("T1"))
			if code := codeOf(t, err); code != execution.CodeInputValidation {
				t.Fatalf("expected input-validation, got %s", code)
			}
		})
	}
}

func TestCreateRunRequiresTenant(t *testing.T) {
	h := newHarness(t, succeed)
	_, err := h.dispatcher.CreateRun(context.Background(), CreateRunRequest{Prompt: "p"}, auth.Result{})
	if code := codeOf(t, err); code != execution.CodeInputValidation {
		t.Fatalf("expected input-validation, got %s", code)
	}
}

func TestGetRunScopedToTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, succeed)
	run, err := h.dispatcher.CreateRun(ctx, CreateRunRequest{Prompt: "p"}, identity("T1"))
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	_, err = h.dispatcher.GetRun(ctx, run.ID, identity("T2"))
	if code := codeOf(t, err); code != execution.CodePermissionDenied {
		t.Fatalf("expected permission-denied, got %s", code)
	}
	_, err = h.dispatcher.GetRun(ctx, "missing", identity("T1"))
	if code := codeOf(t, err); code != execution.CodeInputValidation {
		t.Fatalf("expected input-validation for unknown run, got %s", code)
	}
}

func TestRunDetailListsSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, succeed)
	h.fund(t, "T1", 10)
	run, _ := h.dispatcher.CreateRun(ctx, CreateRunRequest{Prompt: "p"}, identity("T1"))

	detail, err := h.dispatcher.RunDetail(ctx, run.ID, identity("T1"))
	if err != nil {
		t.Fatalf("RunDetail() error = %v", err)
	}
	if detail.Steps == nil || len(detail.Steps) != 0 {
		t.Fatalf("expected an empty step list, got %v", detail.Steps)
	}

	if _, err := h.dispatcher.Dispatch(ctx, Request{Operation: string(routing.OpWebSearch), RunID: run.ID}, identity("T1")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	detail, _ = h.dispatcher.RunDetail(ctx, run.ID, identity("T1"))
	if len(detail.Steps) != 1 || detail.Run.Status != runs.StatusCompleted {
		t.Fatalf("expected one step on a completed run, got %+v", detail)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, unavailable)
	h.fund(t, "T1", 10)
	who := identity("T1")
	run, _ := h.dispatcher.CreateRun(ctx, CreateRunRequest{Prompt: "p", ExecutionPlan: []string{"exec"}}, who)

	// Queue a fallback job under the run, then cancel it.
	resp, err := h.dispatcher.Dispatch(ctx, Request{RequestID: "q", Operation: string(routing.OpShellExec), RunID: run.ID}, who)
	if err != nil || !resp.Degraded {
		t.Fatalf("expected degraded dispatch, got %+v, %v", resp, err)
	}
	child := resp.Run

	cancelled, err := h.dispatcher.Cancel(ctx, child.ID, who)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	queued, _ := h.jobs.ListByRun(ctx, child.ID)
	if len(queued) != 1 || queued[0].Status != jobs.StatusFailed {
		t.Fatalf("expected queued job cancelled, got %+v", queued)
	}

	again, err := h.dispatcher.Cancel(ctx, child.ID, who)
	if err != nil || again.Status != runs.StatusCancelled {
		t.Fatalf("expected cancel to be idempotent, got %+v, %v", again, err)
	}
}

func TestCancelCompletedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, succeed)
	h.fund(t, "T1", 10)
	who := identity("T1")
	run, _ := h.dispatcher.CreateRun(ctx, CreateRunRequest{Prompt: "p"}, who)
	if _, err := h.dispatcher.Dispatch(ctx, Request{Operation: string(routing.OpWebSearch), RunID: run.ID}, who); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	_, err := h.dispatcher.Cancel(ctx, run.ID, who)
	if code := codeOf(t, err); code != execution.CodeInputValidation {
		t.Fatalf("expected input-validation, got %s", code)
	}
}
