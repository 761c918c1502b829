package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool `yaml:"-"`

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`

	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
}

// DefaultPolicy provides sensible defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    60 * time.Second,
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not retryable. The executor returns the wrapped
// error unchanged.
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

// StatusCoder is implemented by errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// DefaultRetryable treats network failures, timeouts and 5xx/408/429
// responses as transient. Client errors and cancellation are final.
func DefaultRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return true
		}
		if code >= 400 && code < 500 {
			return false
		}
	}
	return true
}

// Backoff returns the delay before attempt k+1, for k >= 1:
// min(BaseDelay * 2^(k-1), MaxDelay).
func Backoff(p Policy, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := p.BaseDelay
	for i := 1; i < k; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		if delay <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempts
// run out. The calling goroutine waits between attempts; the wait ends early
// if ctx is cancelled.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if !retryable(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := Backoff(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Result carries the outcome of an asynchronous call.
type Result[T any] struct {
	Value T
	Err   error
}

// Go is the non-blocking form of Do. The call runs on its own goroutine and
// the single outcome is delivered on the returned channel.
func Go[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		v, err := Do(ctx, p, op)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
