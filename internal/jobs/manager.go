// Package jobs accepts analysis requests and runs each one on its own
// goroutine, bounded by a weighted semaphore.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/marketpulse/internal/analysis"
	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
	"github.com/vietddude/marketpulse/internal/metrics"
	"github.com/vietddude/marketpulse/internal/pipeline"
)

// ErrShuttingDown is returned by Submit once Shutdown has started.
var ErrShuttingDown = errors.New("job manager is shutting down")

// Config holds job manager settings.
type Config struct {
	MaxConcurrent int64         `yaml:"max_concurrent"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

// StageBuilder turns a request into the stages of its run.
type StageBuilder interface {
	Build(req analysis.Request) []pipeline.Stage
}

// Manager owns every in-flight job.
type Manager struct {
	store  storage.RunRepository
	runner *pipeline.Runner
	stages StageBuilder
	sem    *semaphore.Weighted
	log    *slog.Logger

	// jobs run under baseCtx so Shutdown can abort them once its deadline
	// passes, independently of the request that submitted them.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
}

// NewManager creates a job manager.
func NewManager(
	cfg Config,
	store storage.RunRepository,
	runner *pipeline.Runner,
	stages StageBuilder,
	log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		runner:  runner,
		stages:  stages,
		sem:     semaphore.NewWeighted(limit),
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Submit validates req, creates its run record with every phase pending and
// starts the job. It returns the run ID without waiting for the job.
func (m *Manager) Submit(ctx context.Context, req analysis.Request) (string, error) {
	if err := req.Normalize(); err != nil {
		return "", err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	input, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	stages := m.stages.Build(req)
	rec := domain.NewRunRecord(uuid.NewString(), pipeline.Phases(stages), input, time.Now().UTC())

	id, err := m.store.Create(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.abandon(id, stages)
		return "", ErrShuttingDown
	}
	m.running[id] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(id, req, stages)

	m.log.Info("Run accepted", "run_id", id, "market_url", req.MarketURL)
	return id, nil
}

func (m *Manager) execute(id string, req analysis.Request, stages []pipeline.Stage) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}()

	if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
		m.log.Warn("Run abandoned before start", "run_id", id, "error", err)
		m.abandon(id, stages)
		metrics.JobsTotal.WithLabelValues("abandoned").Inc()
		return
	}
	defer m.sem.Release(1)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	start := time.Now()
	out, err := m.runner.Run(m.baseCtx, id, stages, analysis.InitialState(req))
	switch {
	case err != nil:
		m.log.Error("Run failed", "run_id", id, "duration", time.Since(start), "error", err)
		metrics.JobsTotal.WithLabelValues("failed").Inc()
	case out.Stopped:
		m.log.Info("Run waiting for input", "run_id", id, "phase", out.Phase)
		metrics.JobsTotal.WithLabelValues("stopped").Inc()
	default:
		m.log.Info("Run finished", "run_id", id, "duration", time.Since(start))
		metrics.JobsTotal.WithLabelValues("completed").Inc()
	}
}

// abandon marks every phase of a run that never started as error.
func (m *Manager) abandon(id string, stages []pipeline.Stage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, phase := range pipeline.Phases(stages) {
		if err := m.store.UpdatePhase(ctx, id, phase, domain.PhaseError, nil); err != nil {
			m.log.Warn("Failed to mark abandoned phase", "run_id", id, "phase", phase, "error", err)
		}
	}
}

// Get returns the current record of a run.
func (m *Manager) Get(ctx context.Context, id string) (*domain.RunRecord, error) {
	return m.store.GetByID(ctx, id)
}

// Running reports whether a job for id is queued or executing in this
// process.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// InFlight returns the number of queued or executing jobs.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown stops accepting jobs and waits for in-flight ones. When ctx ends
// first, running jobs are cancelled and ctx's error is returned once they
// have unwound.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.log.Warn("Shutdown deadline reached, cancelling runs", "in_flight", m.InFlight())
		m.cancel()
		<-done
		return ctx.Err()
	}
}
