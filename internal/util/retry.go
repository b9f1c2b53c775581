package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryErrWithContext calls fn up to maxTries times until it returns nil,
// stopping early when ctx is done or fn reports a context error.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithContext calls fn up to maxTries times until it returns a nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	return RetryWithBackoff(ctx, Backoff{Attempts: maxTries}, nil, fn)
}

// Backoff describes an exponential retry schedule. The delay before retry n
// (starting at 0) is Base*2^n capped at Max, plus a random value in [0, Jitter).
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   time.Duration
}

// DefaultBackoff is used for upstream model calls.
var DefaultBackoff = Backoff{
	Attempts: 4,
	Base:     500 * time.Millisecond,
	Max:      10 * time.Second,
	Jitter:   250 * time.Millisecond,
}

// Delay returns the wait before the retry following the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d > 0; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return d
}

// RetryWithBackoff calls fn until it succeeds, the attempts are exhausted, or
// retryable reports the error as permanent. A nil retryable retries every
// error except context cancellation.
func RetryWithBackoff[T any](
	ctx context.Context,
	b Backoff,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		if err := Sleep(ctx, b.Delay(i)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
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

// SleepWithJitter waits for base plus a random value in [0, jitter).
func SleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	return Sleep(ctx, Backoff{Base: base, Jitter: jitter}.Delay(0))
}
