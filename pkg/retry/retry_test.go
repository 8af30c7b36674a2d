package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntil_SucceedsAfterAttempts(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "test", Budget{Attempts: 5, Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestUntil_ExhaustsBudget(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     int
	}{
		{"ten attempts", 10, 10},
		{"single attempt", 1, 1},
		{"zero treated as one", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Until(context.Background(), "test", Budget{Attempts: tt.attempts, Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
				calls++
				return false, nil
			})

			var timeout *TimeoutError
			if !errors.As(err, &timeout) {
				t.Fatalf("expected TimeoutError, got %v", err)
			}
			if calls != tt.want {
				t.Errorf("expected %d calls, got %d", tt.want, calls)
			}
			if timeout.Attempts != tt.want {
				t.Errorf("expected Attempts=%d, got %d", tt.want, timeout.Attempts)
			}
		})
	}
}

func TestUntil_KeepsLastError(t *testing.T) {
	cause := errors.New("daemon unreachable")
	err := Until(context.Background(), "test", Budget{Attempts: 3, Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
		return false, cause
	})
	if !errors.Is(err, cause) {
		t.Errorf("expected last cause in chain, got %v", err)
	}
}

func TestUntil_ErrorsAreRetried(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "test", Budget{Attempts: 4, Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUntil_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Until(ctx, "test", Budget{Attempts: 100, Interval: time.Second}, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBudget_Total(t *testing.T) {
	if got := (Budget{Attempts: 10, Interval: 2 * time.Second}).Total(); got != 18*time.Second {
		t.Errorf("Total = %v, want 18s", got)
	}
	if got := (Budget{Attempts: 1, Interval: time.Second}).Total(); got != 0 {
		t.Errorf("Total = %v, want 0", got)
	}
}
