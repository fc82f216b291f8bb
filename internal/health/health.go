package health

import (
	"sync"
	"time"

	"github.com/bmagent/agent/internal/logging"
)

var log = logging.L("health")

// Status is a component's health, ordered from best to worst as Healthy,
// Unknown, Degraded, Unhealthy.
type Status string

const (
	Healthy   Status = "healthy"
	Unknown   Status = "unknown"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Component names the agent reports on.
const (
	Transport = "transport"
	Reporters = "reporters"
	Telemetry = "telemetry"
	Shell     = "shell"
)

var rank = map[Status]int{Healthy: 0, Unknown: 1, Degraded: 2, Unhealthy: 3}

func (s Status) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// Check is the latest result for one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor aggregates component checks. The zero value is not usable; call
// NewMonitor.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records name's status. An unrecognised status is stored as
// Unhealthy. Only transitions are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status", "check", name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	switch {
	case existed && prev.Status == status:
	case status != Healthy:
		log.Warn("health check degraded", "check", name, "status", string(status), "message", message)
	case existed:
		log.Info("health check recovered", "check", name)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall is the worst status across all checks, or Unknown when nothing
// has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if rank[c.Status] > rank[worst] {
			worst = c.Status
		}
	}
	return worst
}

// Summary is the status endpoint view. The overall and per-component values
// come from one snapshot.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for name, c := range m.checks {
		components[name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}
