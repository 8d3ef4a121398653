package backoff

import (
	"context"
	"testing"
	"time"
)

func TestSleepWithContext_Completes(t *testing.T) {
	start := time.Now()
	if err := SleepWithContext(context.Background(), 30*time.Millisecond); err != nil {
		t.Fatalf("SleepWithContext() error = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("SleepWithContext() completed too quickly: %v", elapsed)
	}
}

func TestSleepWithContext_ZeroDuration(t *testing.T) {
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Fatalf("SleepWithContext() error = %v, want nil", err)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepWithContext(ctx, time.Second)
	if err != context.Canceled {
		t.Fatalf("SleepWithContext() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("SleepWithContext() did not return promptly: %v", elapsed)
	}
}
