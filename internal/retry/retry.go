// Package retry runs external calls with a bounded number of attempts and a
// short fixed delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapping the last failure) once every attempt
// has failed with a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how a call is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable decides whether a failure is worth another attempt. Nil means
	// every error except permanent ones and context cancellation.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is three attempts, 200ms apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 200 * time.Millisecond}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The original error remains
// reachable through errors.Is / errors.As.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (p Policy) retryable(err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do runs fn until it succeeds, fails permanently, or runs out of attempts.
// Permanent failures are returned unwrapped from their marker.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
