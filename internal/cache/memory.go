package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/marketpulse/internal/metrics"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Memory is an in-process TTL cache. Expired entries are dropped when read
// or during CleanupExpired.
type Memory[V any] struct {
	namespace string
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
}

// NewMemory creates an in-process cache.
func NewMemory[V any](namespace string, ttl time.Duration, opts ...Option) *Memory[V] {
	o := buildOptions(opts)
	return &Memory[V]{
		namespace: namespace,
		ttl:       ttl,
		now:       o.now,
		entries:   make(map[string]entry[V]),
	}
}

// Get implements Cache.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		metrics.CacheOps.WithLabelValues(m.namespace, "miss").Inc()
		return zero, false
	}
	if m.expired(e, m.now()) {
		delete(m.entries, key)
		metrics.CacheOps.WithLabelValues(m.namespace, "miss").Inc()
		return zero, false
	}

	metrics.CacheOps.WithLabelValues(m.namespace, "hit").Inc()
	return e.value, true
}

// Set implements Cache.
func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry[V]{value: value, storedAt: m.now()}
	metrics.CacheOps.WithLabelValues(m.namespace, "set").Inc()
}

// Clear implements Cache.
func (m *Memory[V]) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// CleanupExpired implements Cache.
func (m *Memory[V]) CleanupExpired(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory[V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.storedAt) >= m.ttl
}
