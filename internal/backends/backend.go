// Package backends invokes the execution targets that run tool operations.
package backends

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/taskgate/internal/execution"
)

// Request is one attempt sent to a backend.
type Request struct {
	Operation string            `json:"operation"`
	Context   execution.Context `json:"context"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// Backend executes operations. Implementations return a *execution.Error
// (or an error Normalize can classify) on failure.
type Backend interface {
	Name() execution.Backend
	Execute(ctx context.Context, req Request) (*execution.Result, error)
}

// Set resolves a backend by name.
type Set map[execution.Backend]Backend

// NewSet indexes backends by their names.
func NewSet(backends ...Backend) Set {
	set := make(Set, len(backends))
	for _, b := range backends {
		set[b.Name()] = b
	}
	return set
}

// Get returns the backend registered under name.
func (s Set) Get(name execution.Backend) (Backend, error) {
	b, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured", name)
	}
	return b, nil
}

// Func adapts a function to Backend.
type Func struct {
	BackendName execution.Backend
	Fn          func(ctx context.Context, req Request) (*execution.Result, error)
}

func (f Func) Name() execution.Backend { return f.BackendName }

func (f Func) Execute(ctx context.Context, req Request) (*execution.Result, error) {
	return f.Fn(ctx, req)
}
