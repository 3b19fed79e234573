package omen

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
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

	// Domain errors are deterministic; retrying cannot change the outcome.
	var e Error
	if errors.As(err, &e) {
		switch e.Code {
		case DuplicateKey, StaleObject, NotFound, MoreThanOne, NoPrimaryKey, UnknownField:
			return false
		}
	}
	return true
}

// RetryableError marks err as retryable for use inside a Retry task.
// Permanent errors (per ShouldRetry) are returned as-is so Retry gives up early.
func RetryableError(err error) error {
	if err == nil {
		return nil
	}
	if !ShouldRetry(err) {
		return err
	}
	return retry.RetryableError(err)
}
