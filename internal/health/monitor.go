package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/dispatcher/internal/core/domain"
)

// QueueStatter reports a queue's backlog.
type QueueStatter interface {
	Stats(ctx context.Context, queue string) (domain.QueueStats, error)
}

// Thresholds decide when a queue is degraded or critical.
type Thresholds struct {
	DegradedPending  int64
	CriticalPending  int64
	DegradedBacklog  int64
	CriticalBacklog  int64
	CriticalDeadJobs int64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedPending:  10,
		CriticalPending:  100,
		DegradedBacklog:  1000,
		CriticalBacklog:  10000,
		CriticalDeadJobs: 100,
	}
}

// Monitor aggregates health status from the broker.
type Monitor struct {
	queues     []string
	stats      QueueStatter
	thresholds Thresholds
	cacheTTL   time.Duration

	mu         sync.RWMutex
	draining   bool
	lastCheck  time.Time
	lastReport map[string]QueueHealth
}

// NewMonitor creates a new health monitor.
func NewMonitor(queues []string, stats QueueStatter, thresholds Thresholds) *Monitor {
	return &Monitor{
		queues:     queues,
		stats:      stats,
		thresholds: thresholds,
		cacheTTL:   10 * time.Second,
		lastReport: make(map[string]QueueHealth),
	}
}

// SetDraining marks the worker as shutting down.
func (m *Monitor) SetDraining(draining bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draining = draining
}

// Draining reports whether the worker is shutting down.
func (m *Monitor) Draining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

// CheckHealth performs a health check for all queues.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]QueueHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Cache results to avoid hammering redis from frequent probes
	if time.Since(m.lastCheck) < m.cacheTTL && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]QueueHealth, len(m.queues))
	for _, queue := range m.queues {
		report[queue] = m.checkQueue(ctx, queue)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) checkQueue(ctx context.Context, queue string) QueueHealth {
	health := QueueHealth{Queue: queue, Status: StatusHealthy}

	stats, err := m.stats.Stats(ctx, queue)
	if err != nil {
		// Broker unreachable
		health.Status = StatusCritical
		health.Error = err.Error()
		return health
	}
	health.Length = stats.Length
	health.Pending = stats.Pending
	health.DeadLetter = stats.DeadLetter

	t := m.thresholds
	switch {
	case health.Pending > t.CriticalPending ||
		health.Length > t.CriticalBacklog ||
		health.DeadLetter > t.CriticalDeadJobs:
		health.Status = StatusCritical
	case health.Pending > t.DegradedPending ||
		health.Length > t.DegradedBacklog ||
		health.DeadLetter > 0:
		health.Status = StatusDegraded
	}
	return health
}

// Report builds the full report with the aggregated status.
func (m *Monitor) Report(ctx context.Context) HealthReport {
	queues := m.CheckHealth(ctx)
	return HealthReport{
		SystemStatus: Aggregate(queues),
		Draining:     m.Draining(),
		Queues:       queues,
	}
}

// Aggregate returns the worst status across queues.
func Aggregate(queues map[string]QueueHealth) SystemStatus {
	status := StatusHealthy
	for _, q := range queues {
		if q.Status == StatusCritical {
			return StatusCritical
		}
		if q.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
