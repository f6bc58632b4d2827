package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"stop_engine/internal/core"
)

// Check probes one dependency; nil means healthy
type Check func(ctx context.Context) error

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]Check
}

// NewHealthManager creates a health manager. Each check gets its own timeout.
func NewHealthManager(logger core.ILogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	hm := &HealthManager{
		timeout: timeout,
		checks:  make(map[string]Check),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check Check) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components lists registered component names in order
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

// GetStatus runs every check and reports whether all passed
func (hm *HealthManager) GetStatus(ctx context.Context) (map[string]string, bool) {
	hm.mu.RLock()
	checks := make(map[string]Check, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	status := make(map[string]string, len(checks))
	healthy := true
	var mu sync.Mutex
	var wg sync.WaitGroup
	for component, check := range checks {
		wg.Add(1)
		go func(component string, check Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, hm.timeout)
			defer cancel()
			err := check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status[component] = "Unhealthy: " + err.Error()
				healthy = false
				if hm.logger != nil {
					hm.logger.Warn("Health check failed", "check", component, "error", err.Error())
				}
				return
			}
			status[component] = "Healthy"
		}(component, check)
	}
	wg.Wait()
	return status, healthy
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	_, healthy := hm.GetStatus(ctx)
	return healthy
}
