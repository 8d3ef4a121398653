package backoff

import (
	"testing"
	"time"
)

func TestComputeBackoffWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      BackoffPolicy
		retry       int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first retry with no jitter",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			retry:       1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "third retry quadruples",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			retry:       3,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 1000, Factor: 2},
			retry:       10,
			randomValue: 0,
			expected:    1000 * time.Millisecond,
		},
		{
			name:        "jitter adds up to the jitter fraction",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.5},
			retry:       1,
			randomValue: 1,
			expected:    150 * time.Millisecond,
		},
		{
			name:        "retry zero treated as first",
			policy:      BackoffPolicy{InitialMs: 100, MaxMs: 10000, Factor: 2},
			retry:       0,
			randomValue: 0,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeBackoffWithRand(tt.policy, tt.retry, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeBackoffWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDelayHonorsRetryAfterHint(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 100, MaxMs: 5000, Factor: 2}

	if got := Delay(policy, 1, 0); got != 100*time.Millisecond {
		t.Errorf("Delay() without hint = %v, want 100ms", got)
	}
	if got := Delay(policy, 1, 2*time.Second); got != 2*time.Second {
		t.Errorf("Delay() with longer hint = %v, want 2s", got)
	}
	if got := Delay(policy, 1, 10*time.Millisecond); got != 100*time.Millisecond {
		t.Errorf("Delay() with shorter hint = %v, want 100ms", got)
	}
	if got := Delay(policy, 1, time.Minute); got != 5*time.Second {
		t.Errorf("Delay() with huge hint = %v, want capped 5s", got)
	}
}

func TestNormalize(t *testing.T) {
	got := BackoffPolicy{}.Normalize()
	if got != DefaultPolicy() {
		t.Errorf("Normalize() = %+v, want defaults", got)
	}
	custom := BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 3, Jitter: 0}
	if custom.Normalize() != custom {
		t.Errorf("Normalize() changed a valid policy: %+v", custom.Normalize())
	}
}
