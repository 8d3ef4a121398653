package runs

import (
	"context"
	"errors"
	"sync"
)

var (
	errRunRequired     = errors.New("run is required")
	errStepRequired    = errors.New("step is required")
	errMessageRequired = errors.New("message is required")
)

// Store persists runs, steps and messages. This layer only inserts and
// updates by id; runs are never deleted.
type Store interface {
	// CreateRun inserts run unless a run with the same id exists and
	// reports whether it was created.
	CreateRun(ctx context.Context, run *Run) (bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun writes run if its stored status still equals from, and
	// returns ErrConflict otherwise.
	UpdateRun(ctx context.Context, run *Run, from Status) error
	ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*Run, error)

	AppendStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	// CountSteps returns how many times stepID was dispatched for runID.
	CountSteps(ctx context.Context, runID, stepID string) (int, error)

	// AddMessage inserts message unless its id exists and reports whether
	// it was created.
	AddMessage(ctx context.Context, message *Message) (bool, error)
	ListMessages(ctx context.Context, runID string) ([]*Message, error)
}

// MemoryStore keeps runs in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	order    []string
	steps    map[string][]*Step
	messages map[string][]*Message
	msgIDs   map[string]struct{}
}

// NewMemoryStore returns an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		steps:    make(map[string][]*Step),
		messages: make(map[string][]*Message),
		msgIDs:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) (bool, error) {
	if run == nil || run.ID == "" {
		return false, errRunRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return false, nil
	}
	s.runs[run.ID] = run.Clone()
	s.order = append(s.order, run.ID)
	return true, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *Run, from Status) error {
	if run == nil || run.ID == "" {
		return errRunRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return ErrConflict
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns returns a tenant's runs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Run
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if tenantID == "" || run.TenantID == tenantID {
			matched = append(matched, run)
		}
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	result := make([]*Run, 0, end-offset)
	for _, run := range matched[offset:end] {
		result = append(result, run.Clone())
	}
	return result, nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, step *Step) error {
	if step == nil || step.RunID == "" {
		return errStepRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return ErrNotFound
	}
	clone := *step
	s.steps[step.RunID] = append(s.steps[step.RunID], &clone)
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]*Step, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		clone := *step
		steps = append(steps, &clone)
	}
	return steps, nil
}

func (s *MemoryStore) CountSteps(ctx context.Context, runID, stepID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, step := range s.steps[runID] {
		if step.StepID == stepID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, message *Message) (bool, error) {
	if message == nil || message.ID == "" || message.RunID == "" {
		return false, errMessageRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgIDs[message.ID]; exists {
		return false, nil
	}
	if _, ok := s.runs[message.RunID]; !ok {
		return false, ErrNotFound
	}
	clone := *message
	s.messages[message.RunID] = append(s.messages[message.RunID], &clone)
	s.msgIDs[message.ID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, runID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]*Message, 0, len(s.messages[runID]))
	for _, message := range s.messages[runID] {
		clone := *message
		messages = append(messages, &clone)
	}
	return messages, nil
}
