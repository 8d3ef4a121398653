// Package dispatch runs tool operations on their execution backend: it
// charges the caller's tenant, retries transient failures, drives the run
// state machine and hands unrecoverable transport failures to the fallback
// queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/backends"
	"github.com/haasonsaas/taskgate/internal/backoff"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/observability"
	"github.com/haasonsaas/taskgate/internal/ratelimit"
	"github.com/haasonsaas/taskgate/internal/routing"
	"github.com/haasonsaas/taskgate/internal/runs"
)

var runNamespace = uuid.MustParse("0c5b8e71-2f4a-4d3e-8b19-7a6c5d4e3f21")

// Request is one dispatch of an operation.
type Request struct {
	// RequestID deduplicates the fallback path. One is generated when empty.
	RequestID string          `json:"requestId,omitempty"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TenantID  string          `json:"tenantId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	StepID    string          `json:"stepId,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
}

// Response is the outcome of a dispatch that did not fail.
type Response struct {
	Result   *execution.Result `json:"result,omitempty"`
	Run      *runs.Run         `json:"run"`
	Status   runs.Status       `json:"status"`
	Degraded bool              `json:"degraded,omitempty"`
	// Replayed marks the recorded outcome of a request id that already ran.
	// Nothing was charged or executed for it.
	Replayed bool `json:"replayed,omitempty"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFallback enables re-queueing through o on transport failures.
func WithFallback(o *Orchestrator) Option {
	return func(d *Dispatcher) { d.fallback = o }
}

// WithLimiter throttles dispatches per tenant.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithBackoff sets the delay policy between retries.
func WithBackoff(p backoff.BackoffPolicy) Option {
	return func(d *Dispatcher) { d.policy = p.Normalize() }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l.With("component", "dispatch")
		}
	}
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer records dispatch spans.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher executes operations on their routed backend.
type Dispatcher struct {
	routes   *routing.Registry
	backends backends.Set
	gate     *ledger.Gate
	runs     runs.Store
	fallback *Orchestrator
	limiter  *ratelimit.Limiter
	policy   backoff.BackoffPolicy
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
}

// New creates a dispatcher.
func New(routes *routing.Registry, set backends.Set, gate *ledger.Gate, runStore runs.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes:   routes,
		backends: set,
		gate:     gate,
		runs:     runStore,
		policy:   backoff.DefaultPolicy(),
		logger:   slog.Default().With("component", "dispatch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Routes returns the routing registry.
func (d *Dispatcher) Routes() *routing.Registry {
	return d.routes
}

// dispatch is the per-call state threaded through the steps of Dispatch.
type dispatch struct {
	req      Request
	op       routing.Operation
	route    routing.Route
	tenantID string
	userID   string
	run      *runs.Run
	implicit bool
	authz    *ledger.Authorization
	attempt  int
	key      string
	started  time.Time
}

// Dispatch runs req for the authenticated caller.
//
// Unknown operations, validation and credit failures return before anything
// is charged or persisted. Once credits are deducted, any backend failure
// refunds them. Transport failures that exhaust their retries are re-queued
// through the fallback orchestrator and reported as a degraded pending run.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, identity auth.Result) (*Response, error) {
	started := d.now()
	op, route, ok := d.routes.Resolve(req.Operation)
	if !ok {
		d.metrics.DispatchCompleted(req.Operation, "", "rejected", d.now().Sub(started))
		return nil, execution.NewError(execution.CodeInputValidation,
			fmt.Sprintf("unknown operation %q", req.Operation))
	}

	ctx, span := d.tracer.TraceDispatch(ctx, string(op), string(route.Backend))
	defer span.End()

	resp, err := d.dispatch(ctx, &dispatch{req: req, op: op, route: route, started: started}, identity)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		d.tracer.RecordError(span, err)
	case resp.Degraded:
		outcome = "fallback"
	}
	d.metrics.DispatchCompleted(string(op), string(route.Backend), outcome, d.now().Sub(started))
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, st *dispatch, identity auth.Result) (*Response, error) {
	if err := d.resolveCaller(st, identity); err != nil {
		return nil, err
	}
	if err := d.resolveRun(ctx, st); err != nil {
		return nil, err
	}
	if st.implicit {
		if resp, err := d.replay(ctx, st); resp != nil || err != nil {
			return resp, err
		}
	}
	if err := d.throttle(st.tenantID); err != nil {
		return nil, err
	}

	authz, err := d.gate.Authorize(ctx, ledger.Spend{
		TenantID:  st.tenantID,
		Cost:      st.route.CreditCost,
		Federated: identity.Source == auth.SourceFederated,
	})
	if err != nil {
		return nil, d.creditError(err)
	}
	st.authz = authz

	// Store writes after the charge must land even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	if err := d.begin(ctx, st); err != nil {
		d.refund(persistCtx, st)
		return nil, err
	}

	result, attempts, err := d.execute(ctx, st)
	if err != nil {
		return d.fail(persistCtx, st, attempts, err)
	}
	return d.succeed(persistCtx, st, result, attempts)
}

func (d *Dispatcher) resolveCaller(st *dispatch, identity auth.Result) error {
	st.tenantID, st.userID = st.req.TenantID, st.req.UserID
	if user := identity.User; user != nil {
		if st.tenantID != "" && st.tenantID != user.Tenant() {
			return execution.NewError(execution.CodePermissionDenied, "tenant does not match credentials")
		}
		if st.userID != "" && st.userID != user.ID {
			return execution.NewError(execution.CodePermissionDenied, "user does not match credentials")
		}
		st.tenantID, st.userID = user.Tenant(), user.ID
	}
	if st.tenantID == "" {
		return execution.NewError(execution.CodeInputValidation, "tenantId is required")
	}
	if st.req.RequestID == "" {
		st.req.RequestID = uuid.NewString()
	}
	return nil
}

// resolveRun loads the run the request advances, or prepares the implicit
// single-phase run recorded with the outcome.
func (d *Dispatcher) resolveRun(ctx context.Context, st *dispatch) error {
	if st.req.RunID == "" {
		now := d.now().UTC()
		st.implicit = true
		st.run = &runs.Run{
			ID:        uuid.NewSHA1(runNamespace, []byte(st.req.RequestID)).String(),
			OwnerID:   st.userID,
			TenantID:  st.tenantID,
			Prompt:    st.req.Prompt,
			Status:    runs.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if st.req.StepID != "" && st.req.StepID != runs.DefaultStepID {
			return execution.NewError(execution.CodeInputValidation,
				fmt.Sprintf("stepId %q requires a runId", st.req.StepID))
		}
		st.req.StepID = runs.DefaultStepID
		return nil
	}

	run, err := d.runs.GetRun(ctx, st.req.RunID)
	if errors.Is(err, runs.ErrNotFound) {
		return execution.NewError(execution.CodeInputValidation, fmt.Sprintf("unknown run %q", st.req.RunID))
	}
	if err != nil {
		return execution.Wrap(execution.CodeInternalUnknown, "load run", err)
	}
	if run.TenantID != st.tenantID {
		return execution.NewError(execution.CodePermissionDenied, "run belongs to another tenant")
	}
	switch run.Status {
	case runs.StatusCancelled:
		return execution.NewError(execution.CodePermissionDenied, fmt.Sprintf("run %s is cancelled", run.ID))
	case runs.StatusFailed:
		return execution.NewError(execution.CodeInputValidation, fmt.Sprintf("run %s has failed", run.ID))
	case runs.StatusCompleted:
		return execution.NewError(execution.CodeInputValidation, fmt.Sprintf("run %s is already completed", run.ID))
	}
	if st.req.StepID == "" {
		st.req.StepID = run.CurrentStep()
	}
	idx := run.PhaseIndex(st.req.StepID)
	if idx < 0 {
		return execution.NewError(execution.CodeInputValidation,
			fmt.Sprintf("step %q is not in the execution plan", st.req.StepID))
	}
	if idx > run.CurrentPhase {
		return execution.NewError(execution.CodeInputValidation,
			fmt.Sprintf("step %q is ahead of the current phase %q", st.req.StepID, run.CurrentStep()))
	}
	st.run = run
	return nil
}

// replay returns the recorded outcome when the implicit run or the fallback
// run of this request id already exists, so a client retrying a request is
// not charged again. It returns nil, nil for a new request.
func (d *Dispatcher) replay(ctx context.Context, st *dispatch) (*Response, error) {
	run, err := d.runs.GetRun(ctx, st.run.ID)
	if err == nil {
		return d.replayRun(ctx, st, run, false)
	}
	if !errors.Is(err, runs.ErrNotFound) {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "load run", err)
	}
	if d.fallback == nil {
		return nil, nil
	}
	run, err = d.runs.GetRun(ctx, FallbackRunID(st.req.RequestID))
	if errors.Is(err, runs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "load run", err)
	}
	return d.replayRun(ctx, st, run, true)
}

func (d *Dispatcher) replayRun(ctx context.Context, st *dispatch, run *runs.Run, requeued bool) (*Response, error) {
	if run.TenantID != st.tenantID {
		return nil, execution.NewError(execution.CodePermissionDenied, "request id belongs to another tenant")
	}
	d.logger.Debug("replaying recorded outcome",
		"request_id", st.req.RequestID,
		"run_id", run.ID,
		"status", run.Status,
	)
	if requeued {
		if run.Status == runs.StatusFailed {
			return nil, errNotQueued(errFallbackAbandoned)
		}
		return &Response{Run: run, Status: run.Status, Degraded: true, Replayed: true}, nil
	}
	if run.Status != runs.StatusFailed {
		return &Response{Run: run, Status: run.Status, Replayed: true}, nil
	}

	code := execution.CodeInternalUnknown
	if steps, err := d.runs.ListSteps(ctx, run.ID); err == nil && len(steps) > 0 {
		if recorded := execution.Code(steps[len(steps)-1].ErrorCode); recorded != "" {
			code = recorded
		}
	}
	e := execution.NewError(code, fmt.Sprintf("request %s already failed; retry with a new request id", st.req.RequestID))
	e.Retryable = false
	return nil, e
}

func (d *Dispatcher) throttle(tenantID string) error {
	if d.limiter == nil {
		return nil
	}
	allowed, wait := d.limiter.Allow(ratelimit.CompositeKey("tenant", tenantID))
	if allowed {
		return nil
	}
	e := execution.NewError(execution.CodePermissionRateLimit, "rate limit exceeded")
	e.RetryAfterMs = wait.Milliseconds()
	if e.RetryAfterMs < 1 {
		e.RetryAfterMs = 1
	}
	return e
}

func (d *Dispatcher) creditError(err error) error {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return err
	case errors.Is(err, ledger.ErrCostCeiling):
		return execution.Wrap(execution.CodePermissionDenied, err.Error(), err)
	case errors.Is(err, ledger.ErrTenantRequired), errors.Is(err, ledger.ErrInvalidAmount):
		return execution.Wrap(execution.CodeInputValidation, err.Error(), err)
	default:
		d.logger.Error("credit authorization failed", "error", err)
		return execution.Wrap(execution.CodeInternalUnknown, "credit authorization failed", err)
	}
}

// begin derives the idempotency key for this logical attempt and moves an
// explicit run to executing.
func (d *Dispatcher) begin(ctx context.Context, st *dispatch) error {
	st.attempt = 1
	if !st.implicit {
		prior, err := d.runs.CountSteps(ctx, st.run.ID, st.req.StepID)
		if err != nil {
			return execution.Wrap(execution.CodeInternalUnknown, "count steps", err)
		}
		st.attempt = prior + 1
	}
	st.key = execution.IdempotencyKey(st.run.ID, st.req.StepID, st.attempt)

	if st.run.Status != runs.StatusPending {
		return nil
	}
	if err := st.run.Transition(runs.StatusExecuting, d.now().UTC()); err != nil {
		return execution.Wrap(execution.CodeInternalUnknown, "start run", err)
	}
	if st.implicit {
		return nil
	}
	if err := d.runs.UpdateRun(ctx, st.run, runs.StatusPending); err != nil {
		return d.runWriteError(ctx, st.run.ID, err)
	}
	return nil
}

// runWriteError reports a failed conditional run update. A conflict caused
// by a concurrent cancel rejects the dispatch.
func (d *Dispatcher) runWriteError(ctx context.Context, runID string, err error) error {
	if errors.Is(err, runs.ErrConflict) {
		if current, getErr := d.runs.GetRun(ctx, runID); getErr == nil && current.Status == runs.StatusCancelled {
			return execution.NewError(execution.CodePermissionDenied, fmt.Sprintf("run %s is cancelled", runID))
		}
		return execution.Wrap(execution.CodeInternalUnknown, "run was modified concurrently", err)
	}
	return execution.Wrap(execution.CodeInternalUnknown, "update run", err)
}

func (d *Dispatcher) execute(ctx context.Context, st *dispatch) (*execution.Result, int, error) {
	backend, err := d.backends.Get(st.route.Backend)
	if err != nil {
		return nil, 0, execution.Wrap(execution.CodeInternalUnknown, "backend not configured", err)
	}
	req := backends.Request{
		Operation: string(st.op),
		Payload:   st.req.Payload,
		Context: execution.Context{
			RunID:          st.run.ID,
			StepID:         st.req.StepID,
			TenantID:       st.tenantID,
			UserID:         st.userID,
			Timeout:        st.route.Timeout,
			TimeoutMs:      st.route.Timeout.Milliseconds(),
			CreditBudget:   st.route.CreditCost,
			IdempotencyKey: st.key,
		},
	}

	retryable := func(err error) bool {
		return st.route.Retryable && Classify(err, true) == Retry
	}
	res, err := backoff.Retry(ctx, d.policy, st.route.Attempts(), retryable,
		func(attempt int) (*execution.Result, error) {
			if attempt > 1 {
				d.logger.Debug("retrying dispatch",
					"operation", st.op,
					"run_id", st.run.ID,
					"attempt", attempt,
					"idempotency_key", st.key,
				)
			}
			return d.invoke(ctx, backend, req, attempt)
		})
	return res.Value, res.Attempts, err
}

type invocation struct {
	result *execution.Result
	err    error
}

// invoke makes one backend call bounded by the route timeout. A response
// arriving after the deadline is discarded.
func (d *Dispatcher) invoke(ctx context.Context, backend backends.Backend, req backends.Request, attempt int) (*execution.Result, error) {
	ctx, span := d.tracer.TraceAttempt(ctx, string(backend.Name()), attempt, req.Context.IdempotencyKey)
	defer span.End()

	timeout := req.Context.Timeout
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		result, err := backend.Execute(attemptCtx, req)
		done <- invocation{result: result, err: err}
	}()

	var out invocation
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			out.err = execution.Normalize(ctx.Err())
		} else {
			out.err = execution.Wrap(execution.CodeTimeoutTotal,
				fmt.Sprintf("%s exceeded its %s timeout", req.Operation, timeout), attemptCtx.Err())
		}
	}
	if out.err == nil && out.result == nil {
		out.err = execution.NewError(execution.CodeInternalUnknown, "backend returned no result")
	}
	if out.err == nil && out.result.Error != nil {
		out.err = out.result.Error
	}

	if out.err != nil {
		e := execution.Normalize(out.err)
		d.metrics.Attempt(string(backend.Name()), string(e.Code))
		d.tracer.RecordError(span, e)
		return nil, e
	}
	d.metrics.Attempt(string(backend.Name()), "ok")
	return out.result, nil
}

func (d *Dispatcher) succeed(ctx context.Context, st *dispatch, result *execution.Result, attempts int) (*Response, error) {
	now := d.now().UTC()
	duration := now.Sub(st.started)
	result.Metadata = execution.Metadata{
		DurationMs:     duration.Milliseconds(),
		Backend:        st.route.Backend,
		RetryCount:     attempts - 1,
		IdempotencyKey: st.key,
	}

	from := st.run.Status
	if _, err := st.run.CompletePhase(st.req.StepID, now); err != nil {
		d.logger.Warn("run phase not recorded", "run_id", st.run.ID, "error", err)
	}
	if st.implicit {
		created, err := d.runs.CreateRun(ctx, st.run)
		if err != nil {
			d.logger.Error("persist run failed", "run_id", st.run.ID, "error", err)
		} else if !created {
			// A concurrent request with the same id recorded its outcome
			// first and keeps the charge.
			d.refund(ctx, st)
			if existing, getErr := d.runs.GetRun(ctx, st.run.ID); getErr == nil {
				st.run = existing
			}
			return &Response{Result: result, Run: st.run, Status: st.run.Status, Replayed: true}, nil
		}
	} else if err := d.runs.UpdateRun(ctx, st.run, from); err != nil {
		// The run changed under us, most likely cancelled. Its result is
		// discarded and the charge returned.
		d.refund(ctx, st)
		return nil, d.runWriteError(ctx, st.run.ID, err)
	}
	d.appendStep(ctx, st, runs.StepCompleted, "", duration)

	d.logger.Info("dispatch completed",
		"operation", st.op,
		"backend", st.route.Backend,
		"run_id", st.run.ID,
		"step_id", st.req.StepID,
		"tenant_id", st.tenantID,
		"retry_count", attempts-1,
		"duration_ms", duration.Milliseconds(),
	)
	return &Response{Result: result, Run: st.run, Status: st.run.Status}, nil
}

func (d *Dispatcher) fail(ctx context.Context, st *dispatch, attempts int, err error) (*Response, error) {
	e := execution.Normalize(err)
	duration := d.now().Sub(st.started)
	d.refund(ctx, st)

	if Classify(e, false) == Fallback && d.fallback != nil {
		return d.requeue(ctx, st, e, duration)
	}

	d.logger.Warn("dispatch failed",
		"operation", st.op,
		"run_id", st.run.ID,
		"step_id", st.req.StepID,
		"tenant_id", st.tenantID,
		"attempts", attempts,
		"code", e.Code,
		"error", err,
	)
	now := d.now().UTC()
	from := st.run.Status
	if transitionErr := st.run.Transition(runs.StatusFailed, now); transitionErr == nil {
		if st.implicit {
			created, createErr := d.runs.CreateRun(ctx, st.run)
			if createErr != nil {
				d.logger.Error("persist run failed", "run_id", st.run.ID, "error", createErr)
			} else if !created {
				return nil, e
			}
		} else if updateErr := d.runs.UpdateRun(ctx, st.run, from); updateErr != nil && !errors.Is(updateErr, runs.ErrConflict) {
			d.logger.Error("mark run failed", "run_id", st.run.ID, "error", updateErr)
		}
	}
	d.appendStep(ctx, st, runs.StepFailed, e.Code, duration)
	return nil, e
}

// requeue hands the task to the fallback orchestrator. Implicit runs are
// replaced by the fallback run; explicit runs get a requeued step and a
// child run carrying the remaining work.
func (d *Dispatcher) requeue(ctx context.Context, st *dispatch, cause *execution.Error, duration time.Duration) (*Response, error) {
	parentID := ""
	if !st.implicit {
		parentID = st.run.ID
	}
	run, err := d.fallback.OnPrimaryFailure(ctx, FallbackRequest{
		RequestID:   st.req.RequestID,
		TenantID:    st.tenantID,
		UserID:      st.userID,
		Prompt:      st.req.Prompt,
		TaskType:    string(st.op),
		ParentRunID: parentID,
		Payload:     st.req.Payload,
	})
	if err != nil {
		if !st.implicit {
			d.appendStep(ctx, st, runs.StepFailed, cause.Code, duration)
		}
		return nil, err
	}
	if !st.implicit {
		d.appendStep(ctx, st, runs.StepRequeued, cause.Code, duration)
	}
	d.logger.Warn("primary backend failed, task re-queued",
		"operation", st.op,
		"backend", st.route.Backend,
		"run_id", run.ID,
		"code", cause.Code,
	)
	return &Response{Run: run, Status: run.Status, Degraded: true}, nil
}

func (d *Dispatcher) refund(ctx context.Context, st *dispatch) {
	if err := d.gate.Refund(ctx, st.authz); err != nil {
		d.logger.Error("refund failed",
			"tenant_id", st.tenantID,
			"transaction_id", st.authz.TransactionID,
			"error", err,
		)
	}
}

func (d *Dispatcher) appendStep(ctx context.Context, st *dispatch, status runs.StepStatus, code execution.Code, duration time.Duration) {
	step := &runs.Step{
		ID:             uuid.NewString(),
		RunID:          st.run.ID,
		StepID:         st.req.StepID,
		Operation:      string(st.op),
		Attempt:        st.attempt,
		IdempotencyKey: st.key,
		Status:         status,
		ErrorCode:      string(code),
		DurationMs:     duration.Milliseconds(),
		CreatedAt:      d.now().UTC(),
	}
	if err := d.runs.AppendStep(ctx, step); err != nil {
		d.logger.Error("append step failed", "run_id", st.run.ID, "error", err)
	}
}
