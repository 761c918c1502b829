// Package breaker implements a per-dependency circuit breaker.
//
// A Breaker counts consecutive failures of the dependency it guards. Once the
// failure threshold is reached it opens and refuses attempts until OpenTimeout
// has passed since the last failure; the next CanAttempt then moves it to
// half-open, where SuccessThreshold successes close it again and any failure
// reopens it.
//
// One Breaker is constructed per dependency at process start and shared by all
// jobs. All methods are safe for concurrent use.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/marketpulse/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Calls pass through
	StateOpen                  // Calls are refused until the open timeout elapses
	StateHalfOpen              // Probe calls test whether the dependency recovered
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns the thresholds used when a dependency sets none.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Snapshot is a read-only view of a breaker, used by the operator surface.
type Snapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Breaker guards a single dependency.
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	onChange    func(name string, from, to State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout < 0 {
		cfg.OpenTimeout = 0
	}

	b := &Breaker{
		name:  name,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}

	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanAttempt reports whether a call may be made.
//
// In the open state it returns true only once OpenTimeout has passed since the
// last failure, moving the breaker to half-open as a side effect.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()

	var notify func()
	allowed := true
	if b.state == StateOpen {
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.cfg.OpenTimeout {
			b.successes = 0
			notify = b.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	var notify func()
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			notify = b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.failures++
	b.lastFailure = b.now()

	var notify func()
	switch b.state {
	case StateHalfOpen:
		b.successes = 0
		notify = b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			notify = b.transition(StateOpen)
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()

	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
	notify := b.transition(StateClosed)

	b.mu.Unlock()
	b.log.Info("Circuit breaker manually reset", "dependency", b.name)
	if notify != nil {
		notify()
	}
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	return s
}

func (b *Breaker) observe(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// transition must be called with the lock held. The returned func, if any,
// runs the change hook and must be called after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()

	switch to {
	case StateOpen:
		b.log.Warn("Circuit breaker opened",
			"dependency", b.name, "from", from.String(), "failures", b.failures)
	default:
		b.log.Info("Circuit breaker state changed",
			"dependency", b.name, "from", from.String(), "to", to.String())
	}

	hook := b.onChange
	if hook == nil {
		return nil
	}
	name := b.name
	return func() { hook(name, from, to) }
}
