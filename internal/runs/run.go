// Package runs tracks user-initiated task runs, their step history and the
// messages that started them.
package runs

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrConflict is returned when a run changed since it was read.
	ErrConflict = errors.New("run was modified concurrently")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Status is a run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Run is one task instance tracked through its phases.
type Run struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	TenantID      string    `json:"tenantId"`
	Prompt        string    `json:"prompt,omitempty"`
	Status        Status    `json:"status"`
	CurrentPhase  int       `json:"currentPhase"`
	ExecutionPlan []string  `json:"executionPlan,omitempty"`
	ParentRunID   string    `json:"parentRunId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transition moves the run to next, enforcing the state machine.
func (r *Run) Transition(next Status, at time.Time) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = at
	return nil
}

// PhaseCount is the number of phases the run must complete. A run without
// an execution plan has a single implicit phase.
func (r *Run) PhaseCount() int {
	if len(r.ExecutionPlan) == 0 {
		return 1
	}
	return len(r.ExecutionPlan)
}

// CurrentStep returns the step id of the phase awaiting execution.
func (r *Run) CurrentStep() string {
	if len(r.ExecutionPlan) == 0 {
		return DefaultStepID
	}
	if r.CurrentPhase >= len(r.ExecutionPlan) {
		return r.ExecutionPlan[len(r.ExecutionPlan)-1]
	}
	return r.ExecutionPlan[r.CurrentPhase]
}

// PhaseIndex returns the plan position of stepID, or -1.
func (r *Run) PhaseIndex(stepID string) int {
	if len(r.ExecutionPlan) == 0 {
		if stepID == DefaultStepID {
			return 0
		}
		return -1
	}
	return slices.Index(r.ExecutionPlan, stepID)
}

// CompletePhase records success of stepID. When it is the current phase the
// run advances, and completes once every phase has succeeded. It reports
// whether the phase advanced.
func (r *Run) CompletePhase(stepID string, at time.Time) (bool, error) {
	if r.PhaseIndex(stepID) != r.CurrentPhase {
		return false, nil
	}
	r.CurrentPhase++
	r.UpdatedAt = at
	if r.CurrentPhase >= r.PhaseCount() {
		if err := r.Transition(StatusCompleted, at); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ExecutionPlan = slices.Clone(r.ExecutionPlan)
	return &clone
}

// DefaultStepID names the only phase of a run without an execution plan.
const DefaultStepID = "main"

// StepStatus is the outcome of one dispatched step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRequeued  StepStatus = "requeued"
)

// Step is one entry of a run's step history.
type Step struct {
	ID             string     `json:"id"`
	RunID          string     `json:"runId"`
	StepID         string     `json:"stepId"`
	Operation      string     `json:"operation"`
	Attempt        int        `json:"attempt"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Status         StepStatus `json:"status"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	DurationMs     int64      `json:"durationMs"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Message roles.
const (
	RoleUser   = "user"
	RoleSystem = "system"
)

// Message is a conversational record attached to a run.
type Message struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
