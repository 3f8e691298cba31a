// Package models holds the row types of the durable store. Run state is
// derived from the append-only event log; run columns are projections
// written by the orchestration engine for query efficiency.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/gridflow/common/sdk"
)

// Workflow is the editable container: draft graph plus a pointer to the
// active published version and optional cron schedule.
type Workflow struct {
	ID              int             `json:"id"`
	Name            string          `json:"name"`
	Graph           json.RawMessage `json:"graph"`
	ActiveVersionID *uuid.UUID      `json:"active_version_id,omitempty"`
	ShareVersion    int             `json:"share_version"`

	ScheduleEnabled bool       `json:"schedule_enabled"`
	ScheduleCron    string     `json:"schedule_cron,omitempty"`
	ScheduleTz      string     `json:"schedule_tz,omitempty"`
	ScheduleOverlap string     `json:"schedule_overlap,omitempty"` // skip | queue_one | parallel
	ScheduleNextRun *time.Time `json:"schedule_next_run,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowVersion is an immutable published snapshot of a workflow graph
type WorkflowVersion struct {
	ID            uuid.UUID       `json:"id"`
	WorkflowID    int             `json:"workflow_id"`
	VersionNumber int             `json:"version_number"`
	Graph         json.RawMessage `json:"graph"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Run is one durable execution of a workflow version. SnapshotGraph is
// materialized at creation and never re-read from the live workflow.
type Run struct {
	ID                uuid.UUID       `json:"id"`
	WorkflowID        int             `json:"workflow_id"`
	WorkflowVersionID *uuid.UUID      `json:"workflow_version_id,omitempty"`
	SnapshotGraph     json.RawMessage `json:"snapshot_graph"`
	Status            sdk.RunStatus   `json:"status"`
	Trigger           sdk.Trigger     `json:"trigger"`
	InputData         json.RawMessage `json:"input_data"`
	OutputData        json.RawMessage `json:"output_data,omitempty"`
	Error             string          `json:"error,omitempty"`
	Pinned            bool            `json:"pinned"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ParentRunID       *uuid.UUID      `json:"parent_run_id,omitempty"`
	ParentNodeID      string          `json:"parent_node_id,omitempty"`
	Depth             int             `json:"depth"`
}

// Graph decodes the run's snapshot graph
func (r *Run) Graph() (*sdk.Graph, error) {
	var g sdk.Graph
	if err := json.Unmarshal(r.SnapshotGraph, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// RunEvent is one entry in a run's append-only log, totally ordered by ID.
// Terminal node events are unique by (run_id, node_id, retry_count,
// event_type); the database enforces this, turning duplicate deliveries
// into no-ops.
type RunEvent struct {
	ID         int64           `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	NodeID     string          `json:"node_id,omitempty"`
	EventType  sdk.EventType   `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BatchStatus is the lifecycle state of a batch operation
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
	BatchTimedOut  BatchStatus = "timed_out"
)

// Terminal reports whether the batch status is final
func (s BatchStatus) Terminal() bool {
	return s != BatchRunning
}

// BatchOperation is the per-map-node fan-out state: immutable
// configuration plus narrow atomic counters updated under row lock.
type BatchOperation struct {
	ID               uuid.UUID       `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
	NodeID           string          `json:"node_id"`
	TotalItems       int             `json:"total_items"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	FailFast         bool            `json:"fail_fast"`
	InputItems       json.RawMessage `json:"input_items"`
	ChildWorkflowID  int             `json:"child_workflow_id"`
	ChildVersionID   *uuid.UUID      `json:"child_version_id,omitempty"`
	ChildGraph       json.RawMessage `json:"child_graph,omitempty"`
	ChildDepth       int             `json:"child_depth"`
	CurrentIndex     int             `json:"current_index"`
	ActiveCount      int             `json:"active_count"`
	CompletedCount   int             `json:"completed_count"`
	FailedCount      int             `json:"failed_count"`
	Status           BatchStatus     `json:"status"`
	TimeoutMs        int             `json:"timeout_ms,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Items decodes the batch input items
func (b *BatchOperation) Items() ([]any, error) {
	var items []any
	if err := json.Unmarshal(b.InputItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// BatchResult records one item's terminal state. Append-only; the
// composite (batch_id, item_index) key guarantees at-most-once recording.
type BatchResult struct {
	BatchID      uuid.UUID       `json:"batch_id"`
	ItemIndex    int             `json:"item_index"`
	ChildRunID   *uuid.UUID      `json:"child_run_id,omitempty"`
	Status       string          `json:"status"` // completed | failed
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ScheduledEvent kinds
const (
	ScheduleDelayWakeup   = "DELAY_WAKEUP"
	ScheduleCronFire      = "CRON_FIRE"
	ScheduleWebhookExpiry = "WEBHOOK_TIMEOUT"
	ScheduleRetryDispatch = "RETRY_DISPATCH"
)

// ScheduledEvent is a due-time trigger claimed atomically by the scheduler
type ScheduledEvent struct {
	ID               int64           `json:"id"`
	Kind             string          `json:"kind"`
	DueAt            time.Time       `json:"due_at"`
	TargetRunID      *uuid.UUID      `json:"target_run_id,omitempty"`
	TargetNodeID     string          `json:"target_node_id,omitempty"`
	TargetWorkflowID *int            `json:"target_workflow_id,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// SuspensionToken is the single-use resume handle of a webhook-wait node
type SuspensionToken struct {
	Token     string    `json:"token"`
	RunID     uuid.UUID `json:"run_id"`
	NodeID    string    `json:"node_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// StreamChunk is a persisted copy of a published stream chunk, kept for
// replay. Best-effort: losing one never fails a node.
type StreamChunk struct {
	ID        int64           `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	ChunkType string          `json:"chunk_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
