// Package metrics is a small in-process registry for executor runtime
// counters. Snapshots are logged periodically and exposed on the API's
// health surface.
package metrics

import (
	"sync"
	"time"
)

// nodeStats accumulates per-node-kind execution figures
type nodeStats struct {
	Executions int64         `json:"executions"`
	Failures   int64         `json:"failures"`
	Retries    int64         `json:"retries"`
	TotalTime  time.Duration `json:"-"`
}

// Snapshot is a point-in-time view of one node kind's stats
type Snapshot struct {
	Executions int64   `json:"executions"`
	Failures   int64   `json:"failures"`
	Retries    int64   `json:"retries"`
	AvgMillis  float64 `json:"avg_ms"`
}

// Registry collects execution metrics keyed by node kind
type Registry struct {
	mu    sync.Mutex
	stats map[string]*nodeStats
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		stats: make(map[string]*nodeStats),
	}
}

// ObserveExecution records one Execute invocation
func (r *Registry) ObserveExecution(kind string, elapsed time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(kind)
	s.Executions++
	s.TotalTime += elapsed
	if failed {
		s.Failures++
	}
}

// ObserveRetry records one scheduled retry
func (r *Registry) ObserveRetry(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(kind).Retries++
}

// Snapshots returns the current view per node kind
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.stats))
	for kind, s := range r.stats {
		snap := Snapshot{
			Executions: s.Executions,
			Failures:   s.Failures,
			Retries:    s.Retries,
		}
		if s.Executions > 0 {
			snap.AvgMillis = float64(s.TotalTime.Milliseconds()) / float64(s.Executions)
		}
		out[kind] = snap
	}
	return out
}

func (r *Registry) get(kind string) *nodeStats {
	s, ok := r.stats[kind]
	if !ok {
		s = &nodeStats{}
		r.stats[kind] = s
	}
	return s
}
