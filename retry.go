package splitstore

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
// Store read paths use this to ride out transient connectivity blips.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known permanent failure).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Programmer errors never get better on retry.
	if errors.Is(err, ErrDuplicateStructureID) || errors.Is(err, ErrDuplicateCourseIndex) {
		return false
	}
	var immutable *ImmutableFieldError
	if errors.As(err, &immutable) {
		return false
	}
	var badBranch *InvalidBranchError
	if errors.As(err, &badBranch) {
		return false
	}
	return true
}

// RetryableError marks err as retryable for Retry's backoff loop.
func RetryableError(err error) error {
	return retry.RetryableError(err)
}
