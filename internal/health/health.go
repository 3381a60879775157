// Package health aggregates named subsystem probes for the readiness and
// liveness endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Ok builds a healthy status.
func Ok(name string) Status {
	return Status{Name: name, Healthy: true}
}

// OkDetail builds a healthy status with an informational detail.
func OkDetail(name, detail string) Status {
	return Status{Name: name, Healthy: true, Detail: detail}
}

// Fail builds an unhealthy status.
func Fail(name, detail string) Status {
	return Status{Name: name, Healthy: false, Detail: detail}
}

// Checker probes one subsystem. The context carries the per-probe deadline.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand. Registration order
// is preserved in the results.
type Registry struct {
	mu      sync.RWMutex
	probes  []probe
	timeout time.Duration
}

type probe struct {
	name  string
	check Checker
}

// NewRegistry creates a registry. Each probe gets a 2-second deadline.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered probe under its deadline and reports the
// aggregate plus per-subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		statuses[i] = p.check(probeCtx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
