// Package health aggregates probes for the oracle's dependencies (history
// database, chain RPC) behind one registry serving /healthz.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds one probe so a hung dependency cannot hang the
// health endpoint with it.
const checkTimeout = 5 * time.Second

// Status is one dependency's probe result as reported by /healthz.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency. A nil return means healthy; the error
// text becomes the reported detail.
type Checker func(ctx context.Context) error

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	probe Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe. Registration order is reporting order.
func (r *Registry) Register(name string, probe Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, probe: probe})
	r.mu.Unlock()
}

// CheckAll runs every probe and reports per-dependency results plus the
// conjunction. Each probe gets its own bounded context.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checks))
	for i, nc := range checks {
		statuses[i] = Status{Name: nc.name, Healthy: true}
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := nc.probe(probeCtx); err != nil {
			statuses[i].Healthy = false
			statuses[i].Detail = err.Error()
			healthy = false
		}
		cancel()
	}
	return healthy, statuses
}
