package health

import (
	"sort"
	"sync"
	"time"

	"copy_trader/internal/core"
)

// Report is the result of running every registered check once
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error

	// last reported state per component, used to log transitions only
	lastHealthy map[string]bool
}

// NewHealthManager creates a new health manager. logger may be nil.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks:      make(map[string]func() error),
		lastHealthy: make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components returns the registered component names in order
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report runs every check once and logs components whose state changed
func (hm *HealthManager) Report() Report {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	report := Report{
		Healthy:    true,
		Components: make(map[string]string, len(hm.checks)),
		CheckedAt:  time.Now(),
	}
	for component, check := range hm.checks {
		err := check()
		healthy := err == nil
		if healthy {
			report.Components[component] = "Healthy"
		} else {
			report.Components[component] = "Unhealthy: " + err.Error()
			report.Healthy = false
		}

		prev, seen := hm.lastHealthy[component]
		if hm.logger != nil && seen && prev != healthy {
			if healthy {
				hm.logger.Info("Component recovered", "health_component", component)
			} else {
				hm.logger.Warn("Component unhealthy", "health_component", component, "error", err)
			}
		}
		hm.lastHealthy[component] = healthy
	}
	return report
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	return hm.Report().Components
}

// IsHealthy returns true if every registered component is healthy
func (hm *HealthManager) IsHealthy() bool {
	return hm.Report().Healthy
}
