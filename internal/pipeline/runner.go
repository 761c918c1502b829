// Package pipeline runs an ordered list of stages against one run record.
//
// Stages report under phases. Several consecutive stages may share a phase;
// the phase is committed once its last stage finishes. Each stage ends in one
// of three ways: it continues, it stops the run because the caller must supply
// more input, or it fails. A failure marks its phase and every later phase as
// error. A stop commits the current phase as done and leaves later phases
// untouched.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
	"github.com/vietddude/marketpulse/internal/metrics"
)

// StageFunc executes one stage against the accumulated state.
type StageFunc func(ctx context.Context, st *State) (Result, error)

// Stage is one step of a run.
type Stage struct {
	Name  string
	Phase string
	Run   StageFunc
}

// Result is what a successful stage produced.
type Result struct {
	// Fields are merged into the state and the phase payload.
	Fields map[string]any
	// NeedsInput stops the run after this stage; the phase is still done.
	NeedsInput bool
}

// Outcome describes how a run that did not fail ended.
type Outcome struct {
	// Stopped is true when a stage asked for more input.
	Stopped bool
	// Phase is the phase the run stopped in, if Stopped.
	Phase string
}

// StageError is returned when a stage fails.
type StageError struct {
	Stage string
	Phase string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (phase %s) failed: %v", e.Stage, e.Phase, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Phases returns the distinct phases of stages in order.
func Phases(stages []Stage) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range stages {
		if !seen[s.Phase] {
			seen[s.Phase] = true
			out = append(out, s.Phase)
		}
	}
	return out
}

// Validate checks that every stage is complete and that stages sharing a
// phase are consecutive.
func Validate(stages []Stage) error {
	closed := make(map[string]bool)
	prev := ""
	for i, s := range stages {
		if s.Name == "" || s.Phase == "" || s.Run == nil {
			return fmt.Errorf("stage %d is incomplete", i)
		}
		if s.Phase != prev {
			if closed[s.Phase] {
				return fmt.Errorf("stage %s reopens phase %s", s.Name, s.Phase)
			}
			if prev != "" {
				closed[prev] = true
			}
			prev = s.Phase
		}
	}
	return nil
}

// Runner executes stages and persists progress through a run repository.
type Runner struct {
	store        storage.RunRepository
	log          *slog.Logger
	writeTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Runner) { r.writeTimeout = d }
}

// NewRunner creates a runner.
func NewRunner(store storage.RunRepository, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		log:          slog.Default(),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes stages in order for runID. The returned error is a
// *StageError when a stage failed; store failures are logged and never
// returned. Run does not guard against being called twice for one run.
func (r *Runner) Run(ctx context.Context, runID string, stages []Stage, st *State) (Outcome, error) {
	if err := Validate(stages); err != nil {
		return Outcome{}, err
	}
	if st == nil {
		st = NewState(nil)
	}
	log := r.log.With("run_id", runID)
	phases := Phases(stages)
	statuses := make(map[string]domain.PhaseStatus, len(phases))
	for _, p := range phases {
		statuses[p] = domain.PhasePending
	}

	payload := make(map[string]any)
	for i, stage := range stages {
		start := time.Now()
		res, err := runStage(ctx, stage, st)
		metrics.StageDuration.WithLabelValues(stage.Name).Observe(time.Since(start).Seconds())

		if err != nil {
			log.Error("Stage failed", "stage", stage.Name, "phase", stage.Phase, "error", err)
			r.failFrom(ctx, log, runID, phases, stage.Phase, statuses)
			return Outcome{}, &StageError{Stage: stage.Name, Phase: stage.Phase, Err: err}
		}

		st.Merge(res.Fields)
		for k, v := range res.Fields {
			payload[k] = v
		}

		if res.NeedsInput {
			log.Info("Run stopped, waiting for input", "stage", stage.Name, "phase", stage.Phase)
			r.commit(ctx, log, runID, stage.Phase, domain.PhaseDone, payload)
			statuses[stage.Phase] = domain.PhaseDone
			r.saveSnapshot(ctx, log, runID, st, statuses, true)
			return Outcome{Stopped: true, Phase: stage.Phase}, nil
		}

		lastOfPhase := i == len(stages)-1 || stages[i+1].Phase != stage.Phase
		if lastOfPhase {
			r.commit(ctx, log, runID, stage.Phase, domain.PhaseDone, payload)
			statuses[stage.Phase] = domain.PhaseDone
			payload = make(map[string]any)
		}
	}

	r.saveSnapshot(ctx, log, runID, st, statuses, false)
	log.Info("Run completed", "phases", len(phases))
	return Outcome{}, nil
}

// runStage calls the stage, turning a panic into an error so it fails only
// this run.
func runStage(ctx context.Context, stage Stage, st *State) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, st)
}

// failFrom marks phase and every phase after it as error.
func (r *Runner) failFrom(
	ctx context.Context,
	log *slog.Logger,
	runID string,
	phases []string,
	phase string,
	statuses map[string]domain.PhaseStatus,
) {
	marking := false
	for _, p := range phases {
		if p == phase {
			marking = true
		}
		if !marking {
			continue
		}
		r.commit(ctx, log, runID, p, domain.PhaseError, nil)
		statuses[p] = domain.PhaseError
	}
}

// commit writes one phase status. Failures are logged and counted.
func (r *Runner) commit(
	ctx context.Context,
	log *slog.Logger,
	runID string,
	phase string,
	status domain.PhaseStatus,
	payload map[string]any,
) {
	metrics.PhaseOutcomes.WithLabelValues(phase, string(status)).Inc()

	var fields json.RawMessage
	if len(payload) > 0 {
		b, err := sonic.ConfigStd.Marshal(payload)
		if err != nil {
			log.Warn("Failed to encode phase payload", "phase", phase, "error", err)
			metrics.PersistErrors.WithLabelValues("encode").Inc()
		} else {
			fields = b
		}
	}

	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	if err := r.store.UpdatePhase(wctx, runID, phase, status, fields); err != nil {
		log.Warn("Failed to persist phase", "phase", phase, "status", status, "error", err)
		metrics.PersistErrors.WithLabelValues("update_phase").Inc()
	}
}

type snapshot struct {
	Phases  map[string]domain.PhaseStatus `json:"phases"`
	State   map[string]any                `json:"state"`
	Stopped bool                          `json:"stopped,omitempty"`
}

func (r *Runner) saveSnapshot(
	ctx context.Context,
	log *slog.Logger,
	runID string,
	st *State,
	statuses map[string]domain.PhaseStatus,
	stopped bool,
) {
	b, err := sonic.ConfigStd.Marshal(snapshot{Phases: statuses, State: st.Values(), Stopped: stopped})
	if err != nil {
		log.Warn("Failed to encode run snapshot", "error", err)
		metrics.PersistErrors.WithLabelValues("encode").Inc()
		return
	}

	wctx, cancel := r.writeContext(ctx)
	defer cancel()
	if err := r.store.SaveSnapshot(wctx, runID, b); err != nil {
		log.Warn("Failed to save run snapshot", "error", err)
		metrics.PersistErrors.WithLabelValues("save_snapshot").Inc()
	}
}

// writeContext detaches store writes from the job's cancellation so a
// shutdown still records how far the run got.
func (r *Runner) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
}
