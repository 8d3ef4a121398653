package dispatch

import "github.com/haasonsaas/taskgate/internal/execution"

// Disposition is what the dispatcher does with a failed attempt.
type Disposition int

const (
	// Surface returns the error to the caller.
	Surface Disposition = iota
	// Retry invokes the backend again with the same idempotency key.
	Retry
	// Fallback hands the task to the durable queue.
	Fallback
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	default:
		return "surface"
	}
}

// Classify decides the disposition of a backend failure. attemptsLeft
// reports whether the route still allows another call.
//
// Retryable errors are retried while attempts remain. Once they run out, or
// for non-retryable errors, transport-level failures (unreachable backend,
// 5xx, open circuit) fall back and everything else is surfaced.
// Authentication, validation and credit errors never reach the backend and
// so are never classified as transport failures.
func Classify(err error, attemptsLeft bool) Disposition {
	if err == nil {
		return Surface
	}
	e := execution.Normalize(err)
	if e.Retryable && attemptsLeft {
		return Retry
	}
	if e.Transport {
		return Fallback
	}
	return Surface
}
