package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	cause := errors.New("503")
	calls := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, cause) {
		t.Error("exhausted error should wrap the last failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(notFound)
	})
	if err != notFound {
		t.Fatalf("error = %v, want the unwrapped permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRespectsRetryable(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(error) bool { return false }

	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoCancelledDuringDelay(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	p.OnRetry = func(int, error) { cancel() }
	err := p.Do(ctx, func(context.Context) error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Value() = %d, want 42", got)
	}
}
