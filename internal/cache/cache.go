// Package cache provides TTL caches used to memoize idempotent outbound calls.
//
// Two backends exist: Memory, an in-process map with lazy expiry, and
// Distributed, which stores encoded values in Redis and permanently downgrades
// to a Memory cache the first time Redis cannot be reached. Callers never see
// backend errors; a failed lookup is reported as a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
)

// Cache is an expiring key/value store.
type Cache[V any] interface {
	// Get returns the value stored under key if it has not expired.
	Get(ctx context.Context, key string) (V, bool)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value V)

	// Clear removes every entry.
	Clear(ctx context.Context)

	// CleanupExpired eagerly removes expired entries and returns how many
	// were removed.
	CleanupExpired(ctx context.Context) int
}

// Key builds a collision-resistant key from an operation name and its
// arguments: "op:" followed by the hex SHA-256 of the JSON-encoded arguments.
// Map keys are sorted before hashing so equal arguments give equal keys.
func Key(op string, args ...any) string {
	payload, err := sonic.ConfigStd.Marshal(args)
	if err != nil {
		payload = []byte(fmt.Sprintf("%#v", args))
	}
	sum := sha256.Sum256(payload)
	return op + ":" + hex.EncodeToString(sum[:])
}

type options struct {
	now func() time.Time
	log *slog.Logger
}

// Option customizes a cache.
type Option func(*options)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
