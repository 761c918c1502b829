// Package depclient composes the resilience primitives around a single
// outbound dependency.
//
// Invoke runs, in order: cache lookup, circuit breaker check, rate limiter
// wait, the retried call (each attempt under its own timeout), cache store,
// and finally one breaker outcome for the whole retried call.
package depclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/marketpulse/internal/cache"
	"github.com/vietddude/marketpulse/internal/metrics"
	"github.com/vietddude/marketpulse/internal/resilience/breaker"
	"github.com/vietddude/marketpulse/internal/resilience/retry"
)

// ErrUnavailable is returned when the dependency's breaker refuses the call.
// Stages are expected to substitute a fallback value.
var ErrUnavailable = errors.New("dependency unavailable: circuit breaker open")

// ErrRateLimited is returned when the local rate limiter cannot admit the call
// before the context ends. It is not counted against the breaker.
var ErrRateLimited = errors.New("dependency rate limit wait aborted")

// Operation is the underlying outbound call.
type Operation[T any] func(ctx context.Context) (T, error)

// Config holds per-call tuning for a dependency.
type Config struct {
	Retry   retry.Policy
	Timeout time.Duration // per attempt; 0 disables
	// RateLimit is calls per second; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// Client guards calls to one dependency.
type Client[T any] struct {
	name    string
	cfg     Config
	breaker *breaker.Breaker
	cache   cache.Cache[T]
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a dependency client. cache may be nil to disable memoization.
func New[T any](name string, cfg Config, br *breaker.Breaker, c cache.Cache[T], log *slog.Logger) *Client[T] {
	if log == nil {
		log = slog.Default()
	}
	cl := &Client[T]{
		name:    name,
		cfg:     cfg,
		breaker: br,
		cache:   c,
		log:     log.With("dependency", name),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return cl
}

// Name returns the dependency name.
func (c *Client[T]) Name() string {
	return c.name
}

// Breaker returns the breaker guarding this dependency.
func (c *Client[T]) Breaker() *breaker.Breaker {
	return c.breaker
}

// Invoke returns the cached value for key or performs op. An empty key skips
// the cache. When the breaker is open, op is not called and ErrUnavailable is
// returned.
func (c *Client[T]) Invoke(ctx context.Context, key string, op Operation[T]) (T, error) {
	var zero T

	if key != "" && c.cache != nil {
		if v, ok := c.cache.Get(ctx, key); ok {
			c.log.Debug("Cache hit", "key", shortKey(key))
			metrics.DependencyCalls.WithLabelValues(c.name, "cached").Inc()
			return v, nil
		}
	}

	if !c.breaker.CanAttempt() {
		c.log.Warn("Circuit breaker is open, refusing call")
		metrics.DependencyCalls.WithLabelValues(c.name, "refused").Inc()
		return zero, fmt.Errorf("%s: %w", c.name, ErrUnavailable)
	}

	policy := c.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.log.Warn("Retrying after failure",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "error", err)
	}

	start := time.Now()
	result, err := retry.Do(ctx, policy, func(ctx context.Context) (T, error) {
		return c.attempt(ctx, op)
	})
	metrics.DependencyLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrRateLimited) {
			// Caller gave up; says nothing about the dependency.
			metrics.DependencyCalls.WithLabelValues(c.name, "canceled").Inc()
			return zero, fmt.Errorf("%s: %w", c.name, err)
		}
		c.breaker.RecordFailure()
		metrics.DependencyCalls.WithLabelValues(c.name, "failure").Inc()
		c.log.Warn("Dependency call failed", "error", err)
		return zero, fmt.Errorf("%s: %w", c.name, err)
	}

	c.breaker.RecordSuccess()
	metrics.DependencyCalls.WithLabelValues(c.name, "success").Inc()
	if key != "" && c.cache != nil {
		c.cache.Set(ctx, key, result)
	}
	return result, nil
}

func (c *Client[T]) attempt(ctx context.Context, op Operation[T]) (T, error) {
	var zero T

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, retry.Permanent(fmt.Errorf("%w: %v", ErrRateLimited, err))
		}
	}
	metrics.RetryAttempts.WithLabelValues(c.name).Inc()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return op(ctx)
}

func shortKey(key string) string {
	if len(key) > 50 {
		return key[:50]
	}
	return key
}
