// Package ratelimit throttles dispatches per tenant with token buckets.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the number of requests allowed per second.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per key (tenant, user).
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	return &Limiter{
		entries: make(map[string]*entry),
		config:  config,
		maxKeys: 10000,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed. When it may not, the
// returned duration is how long the caller should wait before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.config.Enabled {
		return true, 0
	}
	now := l.now()
	reservation := l.get(key, now).ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Reset forgets the bucket for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(l.entries) >= l.maxKeys {
		l.prune(now)
	}
	e := &entry{
		limiter:  rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		lastSeen: now,
	}
	l.entries[key] = e
	return e.limiter
}

// prune drops buckets idle longer than idleTTL. Must be called with mu held.
func (l *Limiter) prune(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.entries, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
