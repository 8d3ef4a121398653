package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryAfterHinter is implemented by errors that carry a server-provided retry delay.
type RetryAfterHinter interface {
	RetryAfter() time.Duration
}

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry runs fn up to maxAttempts times, sequentially. An error for which
// retryable returns false ends the loop immediately and is returned as-is.
// Between attempts it waits per policy, honoring RetryAfterHinter errors.
// When attempts run out the returned error wraps both
// ErrMaxAttemptsExhausted and the last error.
func Retry[T any](
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if retryable != nil && !retryable(err) {
			return result, err
		}
		if attempt == maxAttempts {
			break
		}

		var hint time.Duration
		var hinter RetryAfterHinter
		if errors.As(err, &hinter) {
			hint = hinter.RetryAfter()
		}
		if err := SleepWithContext(ctx, Delay(policy, attempt, hint)); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, result.LastError)
}
