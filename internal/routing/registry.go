// Package routing assigns each tool operation a backend, timeout, credit cost
// and retry policy. The table is built once at startup and never mutated.
package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/taskgate/internal/execution"
)

// Route is the execution policy for one operation.
type Route struct {
	Backend    execution.Backend `json:"backend" yaml:"backend"`
	Timeout    time.Duration     `json:"timeout" yaml:"timeout"`
	CreditCost int64             `json:"credit_cost" yaml:"credit_cost"`
	Retryable  bool              `json:"retryable" yaml:"retryable"`
	MaxRetries int               `json:"max_retries" yaml:"max_retries"`
}

// Attempts returns the total number of backend calls the route allows.
func (r Route) Attempts() int {
	if !r.Retryable || r.MaxRetries <= 0 {
		return 1
	}
	return r.MaxRetries + 1
}

// Override adjusts the timeout or cost of a route at startup.
type Override struct {
	Timeout    time.Duration `yaml:"timeout"`
	CreditCost *int64        `yaml:"credit_cost"`
}

// Registry is a read-only operation → route table, safe for concurrent use.
type Registry struct {
	routes map[Operation]Route
}

// NewRegistry builds a registry from the default table plus overrides.
// Unknown operations in overrides are rejected.
func NewRegistry(overrides map[string]Override) (*Registry, error) {
	routes := DefaultRoutes()
	for name, override := range overrides {
		op, ok := ParseOperation(name)
		if !ok {
			return nil, fmt.Errorf("route override for unknown operation %q", name)
		}
		route := routes[op]
		if override.Timeout < 0 {
			return nil, fmt.Errorf("route override %q: negative timeout", name)
		}
		if override.Timeout > 0 {
			route.Timeout = override.Timeout
		}
		if override.CreditCost != nil {
			if *override.CreditCost < 0 {
				return nil, fmt.Errorf("route override %q: negative credit cost", name)
			}
			route.CreditCost = *override.CreditCost
		}
		routes[op] = route
	}
	for op, route := range routes {
		if err := validate(op, route); err != nil {
			return nil, err
		}
	}
	return &Registry{routes: routes}, nil
}

// MustDefault returns the registry for the built-in table.
func MustDefault() *Registry {
	registry, err := NewRegistry(nil)
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the route for op.
func (r *Registry) Lookup(op Operation) (Route, bool) {
	if r == nil {
		return Route{}, false
	}
	route, ok := r.routes[op]
	return route, ok
}

// Resolve parses an operation name and returns its route.
func (r *Registry) Resolve(name string) (Operation, Route, bool) {
	op, ok := ParseOperation(name)
	if !ok {
		return "", Route{}, false
	}
	route, ok := r.Lookup(op)
	return op, route, ok
}

// Entry pairs an operation with its route.
type Entry struct {
	Operation Operation
	Route     Route
}

// Entries returns a copy of the table sorted by operation name.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, 0, len(r.routes))
	for op, route := range r.routes {
		out = append(out, Entry{Operation: op, Route: route})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Operation < out[j].Operation
	})
	return out
}

func validate(op Operation, route Route) error {
	if !route.Backend.Valid() {
		return fmt.Errorf("route %q: unknown backend %q", op, route.Backend)
	}
	if route.Timeout <= 0 {
		return fmt.Errorf("route %q: timeout is required", op)
	}
	if route.MaxRetries < 0 {
		return fmt.Errorf("route %q: negative max retries", op)
	}
	if !route.Retryable && route.MaxRetries > 0 {
		return fmt.Errorf("route %q: max retries set on a non-retryable route", op)
	}
	return nil
}

// String renders the route for CLI listings.
func (r Route) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-7s timeout=%-6s cost=%d", r.Backend, r.Timeout, r.CreditCost)
	if r.Retryable {
		fmt.Fprintf(&b, " retries=%d", r.MaxRetries)
	} else {
		b.WriteString(" no-retry")
	}
	return b.String()
}
