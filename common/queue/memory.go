package queue

import (
	"context"
	"sync"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

// MemoryQueue is an in-process queue for tests and single-process runs.
// It preserves the at-least-once contract: Redeliver re-injects an
// already-delivered task the way a visibility timeout would.
type MemoryQueue struct {
	ch        chan *sdk.NodeTask
	mu        sync.Mutex
	delivered []*sdk.NodeTask
	closed    bool
	log       *logger.Logger
}

// NewMemoryQueue creates a buffered in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		ch:  make(chan *sdk.NodeTask, 1024),
		log: log,
	}
}

// Enqueue pushes a task
func (q *MemoryQueue) Enqueue(ctx context.Context, task *sdk.NodeTask) error {
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers tasks to the handler until ctx is done
func (q *MemoryQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.mu.Lock()
			q.delivered = append(q.delivered, task)
			q.mu.Unlock()
			if err := handler(ctx, task); err != nil {
				if q.log != nil {
					q.log.Warn("task handler failed", "node_id", task.NodeID, "error", err)
				}
			}
		}
	}
}

// Redeliver re-enqueues the last delivered task, simulating a duplicate
// delivery after a visibility timeout
func (q *MemoryQueue) Redeliver() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.delivered) == 0 {
		return false
	}
	task := q.delivered[len(q.delivered)-1]
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

// Drain removes and returns all queued tasks without consuming
func (q *MemoryQueue) Drain() []*sdk.NodeTask {
	var tasks []*sdk.NodeTask
	for {
		select {
		case t := <-q.ch:
			tasks = append(tasks, t)
		default:
			return tasks
		}
	}
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
