package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/runs"
)

// CreateRunRequest starts an explicit multi-phase run.
type CreateRunRequest struct {
	// RequestID makes creation idempotent. One is generated when empty.
	RequestID     string   `json:"requestId,omitempty"`
	TenantID      string   `json:"tenantId,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	Prompt        string   `json:"prompt"`
	ExecutionPlan []string `json:"executionPlan,omitempty"`
}

// RunDetail is a run with its step history.
type RunDetail struct {
	Run   *runs.Run    `json:"run"`
	Steps []*runs.Step `json:"steps"`
}

const maxCancelAttempts = 3

// CreateRun persists a pending run with the requested execution plan.
func (d *Dispatcher) CreateRun(ctx context.Context, req CreateRunRequest, identity auth.Result) (*runs.Run, error) {
	st := &dispatch{req: Request{RequestID: req.RequestID, TenantID: req.TenantID, UserID: req.UserID}}
	if err := d.resolveCaller(st, identity); err != nil {
		return nil, err
	}
	plan, err := normalizePlan(req.ExecutionPlan)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	run := &runs.Run{
		ID:            uuid.NewSHA1(runNamespace, []byte("create:"+st.req.RequestID)).String(),
		OwnerID:       st.userID,
		TenantID:      st.tenantID,
		Prompt:        req.Prompt,
		Status:        runs.StatusPending,
		ExecutionPlan: plan,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := d.runs.CreateRun(ctx, run)
	if err != nil {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "create run", err)
	}
	if !created {
		return d.GetRun(ctx, run.ID, identity)
	}
	d.logger.Info("run created", "run_id", run.ID, "tenant_id", run.TenantID, "phases", run.PhaseCount())
	return run, nil
}

func normalizePlan(plan []string) ([]string, error) {
	seen := make(map[string]struct{}, len(plan))
	out := make([]string, 0, len(plan))
	for _, step := range plan {
		step = strings.TrimSpace(step)
		if step == "" {
			return nil, execution.NewError(execution.CodeInputValidation, "execution plan contains an empty step")
		}
		if _, dup := seen[step]; dup {
			return nil, execution.NewError(execution.CodeInputValidation,
				fmt.Sprintf("execution plan repeats step %q", step))
		}
		seen[step] = struct{}{}
		out = append(out, step)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// GetRun returns a run visible to the caller.
func (d *Dispatcher) GetRun(ctx context.Context, runID string, identity auth.Result) (*runs.Run, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if errors.Is(err, runs.ErrNotFound) {
		return nil, execution.Wrap(execution.CodeInputValidation, fmt.Sprintf("unknown run %q", runID), err)
	}
	if err != nil {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "load run", err)
	}
	if user := identity.User; user != nil && run.TenantID != user.Tenant() {
		return nil, execution.NewError(execution.CodePermissionDenied, "run belongs to another tenant")
	}
	return run, nil
}

// RunDetail returns a run with its step history.
func (d *Dispatcher) RunDetail(ctx context.Context, runID string, identity auth.Result) (*RunDetail, error) {
	run, err := d.GetRun(ctx, runID, identity)
	if err != nil {
		return nil, err
	}
	steps, err := d.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "list steps", err)
	}
	if steps == nil {
		steps = []*runs.Step{}
	}
	return &RunDetail{Run: run, Steps: steps}, nil
}

// Cancel marks a run cancelled and cancels its queued jobs. Later
// dispatches for the run are rejected, and results still in flight are
// discarded. Cancelling a cancelled run is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, runID string, identity auth.Result) (*runs.Run, error) {
	for i := 0; i < maxCancelAttempts; i++ {
		run, err := d.GetRun(ctx, runID, identity)
		if err != nil {
			return nil, err
		}
		if run.Status == runs.StatusCancelled {
			return run, nil
		}
		if run.Status.Terminal() {
			return nil, execution.NewError(execution.CodeInputValidation,
				fmt.Sprintf("run %s is already %s", run.ID, run.Status))
		}

		from := run.Status
		if err := run.Transition(runs.StatusCancelled, d.now().UTC()); err != nil {
			return nil, execution.Wrap(execution.CodeInternalUnknown, "cancel run", err)
		}
		err = d.runs.UpdateRun(ctx, run, from)
		if errors.Is(err, runs.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, execution.Wrap(execution.CodeInternalUnknown, "cancel run", err)
		}

		if d.fallback != nil {
			if err := d.fallback.CancelJobs(ctx, run.ID); err != nil {
				d.logger.Error("cancel queued jobs failed", "run_id", run.ID, "error", err)
			}
		}
		d.logger.Info("run cancelled", "run_id", run.ID, "previous_status", from)
		return run, nil
	}
	return nil, execution.NewError(execution.CodeInternalUnknown, "run kept changing during cancel")
}
