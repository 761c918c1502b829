package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
)

// ActiveChecker reports whether a run is still executing in this process.
type ActiveChecker interface {
	Running(id string) bool
}

// Reaper marks the pending phases of abandoned runs as error, so a run whose
// process died mid-way does not stay pending forever.
type Reaper struct {
	store      storage.RunRepository
	active     ActiveChecker
	staleAfter time.Duration
	interval   time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewReaper creates a new Reaper worker.
func NewReaper(
	store storage.RunRepository,
	active ActiveChecker,
	staleAfter time.Duration,
	interval time.Duration,
	log *slog.Logger,
) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		store:      store,
		active:     active,
		staleAfter: staleAfter,
		interval:   interval,
		log:        log,
		now:        time.Now,
	}
}

// Start runs the reaper loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.staleAfter <= 0 {
		return // Reaping disabled
	}

	interval := r.interval
	if interval <= 0 {
		interval = min(r.staleAfter/2, 10*time.Minute)
	}
	interval = max(interval, 10*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial pass picks up runs left behind by a previous process
	r.Reap(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap closes every stale run not executing here and returns how many runs
// were closed.
func (r *Reaper) Reap(ctx context.Context) int {
	cutoff := r.now().Add(-r.staleAfter)
	ids, err := r.store.ListStale(ctx, cutoff)
	if err != nil {
		r.log.Error("Failed to list stale runs", "error", err)
		return 0
	}

	closed := 0
	for _, id := range ids {
		if r.active != nil && r.active.Running(id) {
			continue
		}
		if r.closeRun(ctx, id) {
			closed++
		}
	}
	if closed > 0 {
		r.log.Warn("Closed stale runs", "count", closed, "cutoff", cutoff)
	}
	return closed
}

func (r *Reaper) closeRun(ctx context.Context, id string) bool {
	rec, err := r.store.GetByID(ctx, id)
	if err != nil {
		r.log.Error("Failed to load stale run", "run_id", id, "error", err)
		return false
	}

	ok := true
	for _, phase := range rec.PhaseOrder {
		if rec.Phases[phase] != domain.PhasePending {
			continue
		}
		if err := r.store.UpdatePhase(ctx, id, phase, domain.PhaseError, nil); err != nil {
			r.log.Error("Failed to close stale phase", "run_id", id, "phase", phase, "error", err)
			ok = false
		}
	}
	return ok
}
