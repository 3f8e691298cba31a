// Package queue is the dispatch queue between the orchestration engine
// and the worker pool. Delivery is at-least-once with a visibility
// timeout; duplicates are defended downstream by the event log's
// idempotency key, so the queue never needs to be exactly-once.
package queue

import (
	"context"

	"github.com/lyzr/gridflow/common/sdk"
)

// Handler processes one dispatched task. A nil return acknowledges the
// message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, task *sdk.NodeTask) error

// Queue dispatches NodeTasks to competing consumers
type Queue interface {
	Enqueue(ctx context.Context, task *sdk.NodeTask) error

	// Consume blocks, delivering tasks to the handler until ctx is done
	Consume(ctx context.Context, consumer string, handler Handler) error

	Close() error
}
