// Package health aggregates component liveness checks behind one report.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// CheckStatus is the outcome of one component probe.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Report is the aggregate health response. Status is "healthy" when every
// check passes, "degraded" when some fail and "unhealthy" when all do.
type Report struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

// Checker runs registered component probes concurrently with a per-check
// timeout.
type Checker struct {
	service      string
	version      string
	checkTimeout time.Duration
	started      time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker for the named service.
func NewChecker(service, version string) *Checker {
	return &Checker{
		service:      service,
		version:      version,
		checkTimeout: 5 * time.Second,
		started:      time.Now(),
		checks:       make(map[string]CheckFunc),
	}
}

// AddCheck registers a named component probe. Re-registering a name replaces
// the previous probe.
func (c *Checker) AddCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check probes every registered component and aggregates the results.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := Report{
		Status:    "healthy",
		Service:   c.service,
		Version:   c.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckStatus, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
			defer cancel()

			status := CheckStatus{
				Name:      name,
				Status:    "healthy",
				LastCheck: time.Now().UTC(),
			}
			if err := fn(checkCtx); err != nil {
				status.Status = "unhealthy"
				status.Error = err.Error()
			}
			mu.Lock()
			report.Checks[name] = status
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	failed := 0
	for _, st := range report.Checks {
		if st.Status != "healthy" {
			failed++
		}
	}
	switch {
	case failed == 0:
	case failed == len(report.Checks):
		report.Status = "unhealthy"
	default:
		report.Status = "degraded"
	}
	return report
}
