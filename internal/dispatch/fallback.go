package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/jobs"
	"github.com/haasonsaas/taskgate/internal/observability"
	"github.com/haasonsaas/taskgate/internal/runs"
)

var (
	errRequestIDRequired = errors.New("fallback request id is required")
	errFallbackAbandoned = errors.New("an earlier fallback for this request could not be queued")
)

var fallbackNamespace = uuid.MustParse("a3d9e0b4-51c7-4f62-9c8e-0e2b7d41f5a6")

// FallbackRunID returns the run id the fallback path assigns to requestID.
func FallbackRunID(requestID string) string {
	return uuid.NewSHA1(fallbackNamespace, []byte("run:"+requestID)).String()
}

func fallbackMessageID(requestID string) string {
	return uuid.NewSHA1(fallbackNamespace, []byte("message:"+requestID)).String()
}

func fallbackJobID(requestID string) string {
	return uuid.NewSHA1(fallbackNamespace, []byte("job:"+requestID)).String()
}

// FallbackRequest describes a task the primary backend failed to run.
type FallbackRequest struct {
	RequestID   string          `json:"requestId"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId"`
	Prompt      string          `json:"prompt,omitempty"`
	TaskType    string          `json:"taskType"`
	ParentRunID string          `json:"parentRunId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// OrchestratorConfig carries the optional collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// Orchestrator durably re-queues tasks whose primary backend failed.
type Orchestrator struct {
	runs    runs.Store
	jobs    jobs.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// NewOrchestrator creates a fallback orchestrator over the run and job stores.
func NewOrchestrator(runStore runs.Store, jobStore jobs.Store, cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		runs:    runStore,
		jobs:    jobStore,
		logger:  logger.With("component", "fallback"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     now,
	}
}

// OnPrimaryFailure persists a pending run, its originating message and a
// queued job for req. Every record is keyed by the request id, so calling it
// again for the same request returns the existing run and creates nothing.
// Any store failure is returned as a non-retryable external-unavailable error
// and leaves the run failed rather than pending without a job.
func (o *Orchestrator) OnPrimaryFailure(ctx context.Context, req FallbackRequest) (*runs.Run, error) {
	if req.RequestID == "" {
		return nil, execution.Wrap(execution.CodeInputValidation, errRequestIDRequired.Error(), errRequestIDRequired)
	}
	ctx, span := o.tracer.TraceFallback(ctx, req.RequestID)
	defer span.End()

	run, created, err := o.persist(ctx, req)
	if err != nil {
		o.metrics.Fallback("error")
		o.tracer.RecordError(span, err)
		o.logger.Error("fallback failed", "request_id", req.RequestID, "error", err)
		if run != nil {
			o.abandon(context.WithoutCancel(ctx), run)
		}
		return nil, errNotQueued(err)
	}

	if created {
		o.metrics.Fallback("created")
		o.logger.Info("task re-queued after primary failure",
			"request_id", req.RequestID,
			"run_id", run.ID,
			"parent_run_id", req.ParentRunID,
			"task_type", req.TaskType,
		)
	} else {
		o.metrics.Fallback("duplicate")
		o.logger.Debug("fallback already recorded", "request_id", req.RequestID, "run_id", run.ID)
	}
	return run, nil
}

func errNotQueued(cause error) *execution.Error {
	e := execution.Wrap(execution.CodeExternalUnavailable, "task could not be queued", cause)
	e.Retryable = false
	return e
}

// persist writes the run, message and job. Once the run exists it is
// returned alongside any later error so the caller can abandon it.
func (o *Orchestrator) persist(ctx context.Context, req FallbackRequest) (*runs.Run, bool, error) {
	now := o.now().UTC()
	run := &runs.Run{
		ID:          FallbackRunID(req.RequestID),
		OwnerID:     req.UserID,
		TenantID:    req.TenantID,
		Prompt:      req.Prompt,
		Status:      runs.StatusPending,
		ParentRunID: req.ParentRunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := o.runs.CreateRun(ctx, run)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	if !created {
		existing, err := o.runs.GetRun(ctx, run.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load run: %w", err)
		}
		if existing.Status == runs.StatusFailed {
			return nil, false, fmt.Errorf("run %s: %w", existing.ID, errFallbackAbandoned)
		}
		run = existing
	}

	content := req.Prompt
	if content == "" {
		content = string(req.Payload)
	}
	if _, err := o.runs.AddMessage(ctx, &runs.Message{
		ID:        fallbackMessageID(req.RequestID),
		RunID:     run.ID,
		Role:      runs.RoleUser,
		Content:   content,
		CreatedAt: now,
	}); err != nil {
		return run, false, fmt.Errorf("add message: %w", err)
	}

	if _, err := o.jobs.Enqueue(ctx, &jobs.Job{
		ID:        fallbackJobID(req.RequestID),
		RunID:     run.ID,
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		TaskType:  req.TaskType,
		Payload:   req.Payload,
		Status:    jobs.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return run, false, fmt.Errorf("enqueue job: %w", err)
	}
	return run, created, nil
}

// abandon fails a pending run whose job could not be queued. A run that
// already has a job is left alone.
func (o *Orchestrator) abandon(ctx context.Context, run *runs.Run) {
	if run.Status != runs.StatusPending {
		return
	}
	if queued, err := o.jobs.ListByRun(ctx, run.ID); err == nil && len(queued) > 0 {
		return
	}
	if err := run.Transition(runs.StatusFailed, o.now().UTC()); err != nil {
		o.logger.Error("abandon fallback run", "run_id", run.ID, "error", err)
		return
	}
	if err := o.runs.UpdateRun(ctx, run, runs.StatusPending); err != nil {
		o.logger.Error("abandon fallback run", "run_id", run.ID, "error", err)
		return
	}
	o.logger.Warn("fallback run abandoned", "run_id", run.ID)
}

// CancelJobs cancels the unfinished jobs queued for runID.
func (o *Orchestrator) CancelJobs(ctx context.Context, runID string) error {
	queued, err := o.jobs.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range queued {
		if job.Status != jobs.StatusPending && job.Status != jobs.StatusRunning {
			continue
		}
		if err := o.jobs.Cancel(ctx, job.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return fmt.Errorf("cancel job %s: %w", job.ID, err)
		}
	}
	return nil
}
