package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	redisclient "github.com/vietddude/marketpulse/internal/infra/redis"
	"github.com/vietddude/marketpulse/internal/metrics"
)

// Remote is the subset of the Redis client the distributed cache needs.
type Remote interface {
	// Get returns redisclient.ErrMiss when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Distributed stores values in Redis under "namespace:key" with native expiry.
//
// The first connectivity error switches the instance to an in-process Memory
// cache for the rest of its lifetime; Redis is never contacted again.
type Distributed[V any] struct {
	namespace string
	ttl       time.Duration
	opts      options
	log       *slog.Logger

	mu       sync.RWMutex
	remote   Remote
	fallback *Memory[V]
}

// NewDistributed creates a distributed cache. A nil remote (Redis unreachable
// at startup) yields a cache that is already downgraded.
func NewDistributed[V any](namespace string, ttl time.Duration, remote Remote, opts ...Option) *Distributed[V] {
	o := buildOptions(opts)
	d := &Distributed[V]{
		namespace: namespace,
		ttl:       ttl,
		opts:      o,
		log:       o.log.With("cache", namespace),
		remote:    remote,
	}
	if remote == nil {
		d.log.Warn("Redis not available, using in-memory cache")
		d.fallback = NewMemory[V](namespace, ttl, WithClock(o.now))
		metrics.CacheFallbacks.WithLabelValues(namespace).Inc()
	}
	return d
}

// Degraded reports whether the cache has fallen back to memory.
func (d *Distributed[V]) Degraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remote == nil
}

// Get implements Cache.
func (d *Distributed[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	remote, fallback := d.backend()
	if remote == nil {
		return fallback.Get(ctx, key)
	}

	raw, err := remote.Get(ctx, d.fullKey(key))
	if errors.Is(err, redisclient.ErrMiss) {
		metrics.CacheOps.WithLabelValues(d.namespace, "miss").Inc()
		return zero, false
	}
	if err != nil {
		if callerGaveUp(ctx, err) {
			metrics.CacheOps.WithLabelValues(d.namespace, "miss").Inc()
			return zero, false
		}
		return d.downgrade(err, "get").Get(ctx, key)
	}

	var value V
	if err := sonic.Unmarshal(raw, &value); err != nil {
		d.log.Warn("Failed to deserialize cached value", "key", truncate(key), "error", err)
		metrics.CacheOps.WithLabelValues(d.namespace, "corrupt").Inc()
		return zero, false
	}

	metrics.CacheOps.WithLabelValues(d.namespace, "hit").Inc()
	return value, true
}

// Set implements Cache.
func (d *Distributed[V]) Set(ctx context.Context, key string, value V) {
	remote, fallback := d.backend()
	if remote == nil {
		fallback.Set(ctx, key, value)
		return
	}

	raw, err := sonic.Marshal(value)
	if err != nil {
		d.log.Warn("Failed to serialize value for cache", "key", truncate(key), "error", err)
		return
	}

	if err := remote.SetEX(ctx, d.fullKey(key), raw, d.ttl); err != nil {
		if callerGaveUp(ctx, err) {
			return
		}
		d.downgrade(err, "set").Set(ctx, key, value)
		return
	}
	metrics.CacheOps.WithLabelValues(d.namespace, "set").Inc()
}

// Clear removes the namespace's keys. Other data in the Redis database is
// left untouched.
func (d *Distributed[V]) Clear(ctx context.Context) {
	remote, fallback := d.backend()
	if remote == nil {
		fallback.Clear(ctx)
		return
	}

	if _, err := remote.DeletePrefix(ctx, d.namespace+":"); err != nil && !callerGaveUp(ctx, err) {
		d.downgrade(err, "clear").Clear(ctx)
	}
}

// CleanupExpired is a no-op while Redis is in use since keys expire natively.
func (d *Distributed[V]) CleanupExpired(ctx context.Context) int {
	remote, fallback := d.backend()
	if remote == nil {
		return fallback.CleanupExpired(ctx)
	}
	return 0
}

func (d *Distributed[V]) backend() (Remote, *Memory[V]) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remote, d.fallback
}

func (d *Distributed[V]) downgrade(cause error, op string) *Memory[V] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.remote != nil {
		d.log.Warn("Redis operation failed, falling back to in-memory cache",
			"op", op, "error", cause)
		d.remote = nil
		metrics.CacheFallbacks.WithLabelValues(d.namespace).Inc()
	}
	if d.fallback == nil {
		d.fallback = NewMemory[V](d.namespace, d.ttl, WithClock(d.opts.now))
	}
	return d.fallback
}

// callerGaveUp reports whether err comes from the caller's own context
// rather than from Redis. Such errors never downgrade the cache.
func callerGaveUp(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (d *Distributed[V]) fullKey(key string) string {
	return d.namespace + ":" + key
}

func truncate(key string) string {
	if len(key) > 50 {
		return key[:50]
	}
	return key
}

// FromClient adapts a possibly nil Redis client to Remote, so a failed
// connection at startup is passed on as a nil interface.
func FromClient(c *redisclient.Client) Remote {
	if c == nil {
		return nil
	}
	return c
}
