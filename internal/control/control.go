// Package control wires storage, caches, dependency clients, the job
// manager and the servers into one application.
package control

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is a cache that can purge expired entries.
type Sweeper interface {
	CleanupExpired(ctx context.Context) int
}

// sweep purges expired cache entries every interval until ctx is done.
// Only caches running in memory hold anything to purge.
func sweep(ctx context.Context, caches []Sweeper, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := 0
			for _, c := range caches {
				removed += c.CleanupExpired(ctx)
			}
			if removed > 0 {
				log.Debug("Expired cache entries removed", "count", removed)
			}
		}
	}
}
