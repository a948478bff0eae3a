// Package health provides system health monitoring and status reporting.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

const (
	cacheTTL = 5 * time.Second

	// Pending attempts past their due time by more than this are overdue.
	overdueGrace = 5 * time.Minute
)

// ComponentHealth is the status of one dependency.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	Status          SystemStatus               `json:"status"`
	Components      map[string]ComponentHealth `json:"components"`
	InFlight        int                        `json:"in_flight"`
	PendingAttempts int                        `json:"pending_attempts"`
	OverdueAttempts int                        `json:"overdue_attempts"`
	CheckedAt       time.Time                  `json:"checked_at"`
}

// Checker pings a dependency.
type Checker interface {
	Health(ctx context.Context) error
}

// PendingLister lists attempts without a terminal outcome.
type PendingLister interface {
	PendingAttempts(ctx context.Context) ([]*domain.AttemptRecord, error)
}

type component struct {
	checker Checker
	// A failing critical component makes the whole system critical; others degrade it.
	critical bool
}

// Monitor aggregates health status from the ledger, optional dependencies and the orchestrator.
type Monitor struct {
	components map[string]component
	pending    PendingLister
	inFlight   func() int
	nowFn      func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. inFlight may be nil.
func NewMonitor(pending PendingLister, inFlight func() int) *Monitor {
	return &Monitor{
		components: make(map[string]component),
		pending:    pending,
		inFlight:   inFlight,
		nowFn:      time.Now,
	}
}

// AddCritical registers a dependency the service cannot run without.
func (m *Monitor) AddCritical(name string, c Checker) {
	m.components[name] = component{checker: c, critical: true}
}

// AddOptional registers a dependency whose failure only degrades the service.
func (m *Monitor) AddOptional(name string, c Checker) {
	m.components[name] = component{checker: c}
}

// CheckHealth returns the current report. Results are cached briefly.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if m.lastReport != nil && now.Sub(m.lastCheck) < cacheTTL {
		return m.lastReport
	}

	report := &Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.components)),
		CheckedAt:  now,
	}

	for name, c := range m.components {
		h := ComponentHealth{Name: name, Status: StatusHealthy}
		if err := c.checker.Health(ctx); err != nil {
			h.Error = err.Error()
			h.Status = StatusDegraded
			if c.critical {
				h.Status = StatusCritical
			}
		}
		report.Components[name] = h
		report.Status = worst(report.Status, h.Status)
	}

	if m.inFlight != nil {
		report.InFlight = m.inFlight()
	}

	if m.pending != nil {
		attempts, err := m.pending.PendingAttempts(ctx)
		if err == nil {
			report.PendingAttempts = len(attempts)
			for _, a := range attempts {
				if a.ExecutedAt == nil && now.Sub(a.DueAt()) > overdueGrace {
					report.OverdueAttempts++
				}
			}
		}
	}

	// Overdue attempts mean the reconciler is not keeping up.
	if report.OverdueAttempts > 0 {
		report.Status = worst(report.Status, StatusDegraded)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
