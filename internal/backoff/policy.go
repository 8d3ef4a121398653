// Package backoff computes exponential retry delays and waits for them
// without blocking other work.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the delay before the first retry, in milliseconds.
	InitialMs float64 `yaml:"initial_ms"`
	// MaxMs caps any single delay, in milliseconds.
	MaxMs float64 `yaml:"max_ms"`
	// Factor is the exponential factor applied to each retry.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64 `yaml:"jitter"`
}

// ComputeBackoff calculates the backoff duration for a given retry number.
// The formula is: base = initialMs * factor^(retry-1), jitter = base * jitter * random()
// Returns min(maxMs, base + jitter) as a time.Duration. Retry numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, retry int) time.Duration {
	return ComputeBackoffWithRand(policy, retry, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided random value in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, retry int, randomValue float64) time.Duration {
	exp := math.Max(float64(retry-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Delay returns the wait before retry number retry. A backend's retry-after
// hint wins when it asks for longer than the computed backoff; it is still
// capped at MaxMs so a hostile hint cannot park a request.
func Delay(policy BackoffPolicy, retry int, hint time.Duration) time.Duration {
	computed := ComputeBackoff(policy, retry)
	if hint <= computed {
		return computed
	}
	limit := time.Duration(policy.MaxMs) * time.Millisecond
	if limit > 0 && hint > limit {
		return limit
	}
	return hint
}

// DefaultPolicy returns the dispatch retry policy.
// Initial: 200ms, Max: 10s, Factor: 2, Jitter: 10%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 200,
		MaxMs:     10000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// Normalize fills unset fields from DefaultPolicy.
func (p BackoffPolicy) Normalize() BackoffPolicy {
	def := DefaultPolicy()
	if p.InitialMs <= 0 {
		p.InitialMs = def.InitialMs
	}
	if p.MaxMs <= 0 {
		p.MaxMs = def.MaxMs
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}
