package main

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/redis"
)

// CancelRegistry maps in-flight executions to their context cancel
// funcs so a cancel broadcast can interrupt them mid-Execute
type CancelRegistry struct {
	mu     sync.Mutex
	active map[uuid.UUID]map[int64]context.CancelFunc
	nextID int64
}

// NewCancelRegistry creates an empty registry
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{active: make(map[uuid.UUID]map[int64]context.CancelFunc)}
}

// Register tracks one execution. The returned func must be called when
// the execution ends.
func (r *CancelRegistry) Register(runID uuid.UUID, cancel context.CancelFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.active[runID] == nil {
		r.active[runID] = make(map[int64]context.CancelFunc)
	}
	r.active[runID][id] = cancel

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m, ok := r.active[runID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(r.active, runID)
			}
		}
	}
}

// Cancel interrupts every in-flight execution of the run
func (r *CancelRegistry) Cancel(runID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.active[runID]
	for _, cancel := range m {
		cancel()
	}
	return len(m)
}

// listenForCancels subscribes to cancel broadcasts and interrupts local
// executions. Runs until ctx ends.
func listenForCancels(ctx context.Context, r *redis.Client, registry *CancelRegistry, log *logger.Logger) {
	sub := r.GetUnderlying().PSubscribe(ctx, engine.CancelChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			raw := strings.TrimPrefix(msg.Channel, engine.CancelChannelPrefix)
			runID, err := uuid.Parse(raw)
			if err != nil {
				log.Warn("malformed cancel channel", "channel", msg.Channel)
				continue
			}
			if n := registry.Cancel(runID); n > 0 {
				log.Info("interrupted executions on cancel", "run_id", runID, "count", n)
			}
		}
	}
}
