// Package jobs is the durable queue that receives tasks the primary backend
// could not run. A background worker outside this service drains it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("job not found")

// Status represents the state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is a queued unit of deferred work referencing a run.
type Job struct {
	ID         string          `json:"id"`
	RunID      string          `json:"runId"`
	RequestID  string          `json:"requestId"`
	TenantID   string          `json:"tenantId"`
	TaskType   string          `json:"taskType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	FinishedAt time.Time       `json:"finishedAt,omitempty"`
}

// Store persists job records.
type Store interface {
	// Enqueue stores job unless a job with the same RequestID exists. It
	// reports whether a new job was created.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetByRequestID(ctx context.Context, requestID string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	ListByRun(ctx context.Context, runID string) ([]*Job, error)
	// Prune removes finished jobs older than the given duration. Returns count of pruned jobs.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	// Cancel marks a pending or running job as failed with a cancellation error.
	Cancel(ctx context.Context, id string) error
}

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	byRequest map[string]string
	keys      []string
}

// NewMemoryStore returns a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		byRequest: make(map[string]string),
	}
}

// Enqueue stores a job once per request id.
func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, errJobRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.RequestID != "" {
		if _, exists := s.byRequest[job.RequestID]; exists {
			return false, nil
		}
	}
	if _, exists := s.jobs[job.ID]; exists {
		return false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	s.keys = append(s.keys, job.ID)
	if job.RequestID != "" {
		s.byRequest[job.RequestID] = job.ID
	}
	return true, nil
}

// Update updates a job record.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errJobRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// GetByRequestID returns the job enqueued for a request.
func (s *MemoryStore) GetByRequestID(ctx context.Context, requestID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

// List returns jobs in insertion order.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > len(s.keys) {
		limit = len(s.keys)
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.keys) {
		end = len(s.keys)
	}
	result := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

// ListByRun returns the jobs referencing a run in insertion order.
func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Job
	for _, id := range s.keys {
		if job := s.jobs[id]; job.RunID == runID {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

// Prune removes finished jobs older than the given duration.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var newKeys []string

	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status.finished() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.byRequest, job.RequestID)
			pruned++
		} else {
			newKeys = append(newKeys, id)
		}
	}
	s.keys = newKeys
	return pruned, nil
}

// Cancel marks a pending or running job as failed with a cancellation error.
func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !job.Status.finished() {
		now := time.Now()
		job.Status = StatusFailed
		job.Error = cancelledMessage
		job.UpdatedAt = now
		job.FinishedAt = now
	}
	return nil
}

const cancelledMessage = "job cancelled"

var errJobRequired = errors.New("job is required")

func (s Status) finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	return &clone
}
