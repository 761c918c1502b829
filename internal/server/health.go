package server

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/marketpulse/internal/resilience/breaker"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PingFunc checks that a backing service is reachable.
type PingFunc func(ctx context.Context) error

// ComponentHealth is the result of one reachability check.
type ComponentHealth struct {
	Status  SystemStatus `json:"status"`
	Latency string       `json:"latency"`
	Error   string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Breakers     []breaker.Snapshot         `json:"breakers"`
	JobsInFlight int                        `json:"jobs_in_flight"`
}

type check struct {
	name     string
	critical bool
	ping     PingFunc
}

// Monitor aggregates component checks and breaker states.
type Monitor struct {
	registry *breaker.Registry
	inFlight func() int
	timeout  time.Duration

	mu     sync.RWMutex
	checks []check
}

// NewMonitor creates a monitor over the breaker registry. inFlight may be nil.
func NewMonitor(registry *breaker.Registry, inFlight func() int) *Monitor {
	return &Monitor{registry: registry, inFlight: inFlight, timeout: 2 * time.Second}
}

// AddCheck registers a reachability check. A failing critical check makes
// the whole system critical; any other failure only degrades it.
func (m *Monitor) AddCheck(name string, critical bool, ping PingFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, critical: critical, ping: ping})
}

// CheckHealth runs every check and folds the results into a report.
// The worst status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.RLock()
	checks := append([]check(nil), m.checks...)
	m.mu.RUnlock()

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(checks)),
	}

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.ping(cctx)
		cancel()

		h := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			h.Error = err.Error()
			h.Status = StatusDegraded
			if c.critical {
				h.Status = StatusCritical
			}
		}
		report.Components[c.name] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	if m.registry != nil {
		report.Breakers = m.registry.Snapshots()
		for _, b := range report.Breakers {
			if b.State != breaker.StateClosed.String() {
				report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
			}
		}
	}
	if m.inFlight != nil {
		report.JobsInFlight = m.inFlight()
	}
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
