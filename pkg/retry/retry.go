// Package retry runs fixed-interval, bounded polling loops.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Budget bounds a polling loop. Attempts counts calls to the check, not retries.
type Budget struct {
	Attempts int
	Interval time.Duration
}

// Total is the longest a budget can wait between the first and last attempt.
func (b Budget) Total() time.Duration {
	if b.Attempts <= 1 {
		return 0
	}
	return time.Duration(b.Attempts-1) * b.Interval
}

// Check reports whether the awaited condition holds. An error counts as a
// failed attempt and is kept as the last cause.
type Check func(ctx context.Context) (bool, error)

// TimeoutError is returned when a budget runs out before the check succeeds.
type TimeoutError struct {
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("condition not met after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("condition not met after %d attempts", e.Attempts)
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

var errNotYet = fmt.Errorf("not yet")

// Until polls check at a constant interval until it returns true, the budget
// is exhausted (*TimeoutError) or ctx is done (ctx.Err()).
func Until(ctx context.Context, name string, budget Budget, check Check) error {
	attempts := budget.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(budget.Interval), uint64(attempts-1)),
		ctx,
	)

	made := 0
	var lastErr error
	op := func() error {
		made++
		ok, err := check(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.Debug("wait_retry", "wait", name, "attempt", made, "of", attempts, "next", next, "error", err)
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		slog.Debug("wait_satisfied", "wait", name, "attempts", made)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	slog.Warn("wait_exhausted", "wait", name, "attempts", made, "error", lastErr)
	return &TimeoutError{Attempts: made, LastErr: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
