// Package executor holds one executor per node kind, each implementing
// the narrow Execute contract. Executors never touch run state; they
// translate a resolved node config into exactly one Outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
	"github.com/lyzr/gridflow/common/stream"
)

// Task is one Execute invocation: the node with its template-resolved
// config, the owning run, and the stream sink for progress chunks.
type Task struct {
	Run      *models.Run
	Node     *sdk.Node
	Config   map[string]any
	Attempt  int
	Deadline time.Time
	Sink     stream.Publisher
}

// Executor runs one node kind
type Executor interface {
	Kind() sdk.NodeKind
	Execute(ctx context.Context, t *Task) (*sdk.Outcome, error)
}

// Registry dispatches by node type tag
type Registry struct {
	executors map[sdk.NodeKind]Executor
}

// NewRegistry builds a registry from the given executors
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[sdk.NodeKind]Executor, len(executors))}
	for _, ex := range executors {
		r.executors[ex.Kind()] = ex
	}
	return r
}

// For returns the executor for a node kind
func (r *Registry) For(kind sdk.NodeKind) (Executor, bool) {
	ex, ok := r.executors[kind]
	return ex, ok
}

// decodeConfig maps a resolved config into a typed struct via JSON
func decodeConfig(cfg map[string]any, out any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// parseDuration accepts milliseconds or a duration string ("5s", "2m")
func parseDuration(ms float64, str string) (time.Duration, error) {
	if str != "" {
		d, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", str, err)
		}
		return d, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
