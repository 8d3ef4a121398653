package backends

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/taskgate/internal/execution"
)

// Breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures before opening.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int `yaml:"success_threshold"`

	// OpenTimeout is how long the circuit stays open before trying half-open.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(backend execution.Backend, from, to string) `yaml:"-"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Breaker wraps a Backend and short-circuits calls while the backend keeps
// failing at the transport level. Application errors such as validation
// failures do not count against the circuit.
type Breaker struct {
	next   Backend
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           string
	failures        int
	successes       int
	lastStateChange time.Time
}

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Backend, config BreakerConfig) *Breaker {
	return &Breaker{
		next:            next,
		config:          config.withDefaults(),
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the wrapped backend's name.
func (b *Breaker) Name() execution.Backend {
	return b.next.Name()
}

// Execute forwards to the wrapped backend unless the circuit is open, in
// which case it fails fast with external-unavailable.
func (b *Breaker) Execute(ctx context.Context, req Request) (*execution.Result, error) {
	if !b.allow() {
		e := execution.NewError(execution.CodeExternalUnavailable,
			fmt.Sprintf("%s backend circuit open", b.next.Name()))
		e.Transport = true
		return nil, e
	}
	result, err := b.next.Execute(ctx, req)
	b.record(err)
	return result, err
}

// State returns the current circuit state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen {
		if b.now().Sub(b.lastStateChange) < b.config.OpenTimeout {
			return false
		}
		b.transitionTo(CircuitHalfOpen)
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(err) {
		switch b.state {
		case CircuitClosed:
			b.failures = 0
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transitionTo(CircuitClosed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transitionTo(CircuitOpen)
	}
}

func (b *Breaker) transitionTo(state string) {
	from := b.state
	b.state = state
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.next.Name(), from, state)
	}
}

// countsAsFailure reports whether err means the backend itself is unhealthy.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	e := execution.Normalize(err)
	return e.Transport || e.Code == execution.CodeTimeoutTotal
}
