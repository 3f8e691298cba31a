package sdk

// EventType is the run event taxonomy. The event log is the ground truth
// of run state; run columns are derived projections of it.
type EventType string

const (
	EventRunCreated   EventType = "RUN_CREATED"
	EventRunCompleted EventType = "RUN_COMPLETED"
	EventRunFailed    EventType = "RUN_FAILED"
	EventRunCancelled EventType = "RUN_CANCELLED"

	EventNodeScheduled EventType = "NODE_SCHEDULED"
	EventNodeStarted   EventType = "NODE_STARTED"
	EventNodeCompleted EventType = "NODE_COMPLETED"
	EventNodeFailed    EventType = "NODE_FAILED"
	EventNodeSuspended EventType = "NODE_SUSPENDED"
	EventNodeResumed   EventType = "NODE_RESUMED"
	EventNodeRetried   EventType = "NODE_RETRIED"
)

// TerminalNodeEvent reports whether the event type participates in the
// (run_id, node_id, retry_count, event_type) idempotency key
func TerminalNodeEvent(t EventType) bool {
	return t == EventNodeCompleted || t == EventNodeFailed
}

// RunLevelEvent reports whether the event carries no node_id
func RunLevelEvent(t EventType) bool {
	switch t {
	case EventRunCreated, EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}
