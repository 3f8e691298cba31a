// Package engine is the completion pipeline: the one place run state
// transitions happen. It is invoked by the worker loop after Execute,
// by resume endpoints, and by the scheduler's promoted events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/queue"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/sdk"
)

// Engine advances runs on node terminals
type Engine struct {
	store   Store
	queue   queue.Queue
	cancels CancelNotifier
	batches BatchHandler
	log     *logger.Logger

	taskDeadline time.Duration
	baseURL      string
}

// Options configures an Engine
type Options struct {
	Store          Store
	Queue          queue.Queue
	CancelNotifier CancelNotifier
	Logger         *logger.Logger
	TaskDeadline   time.Duration
	// BaseURL is the externally reachable API origin used to build
	// webhook resume URLs
	BaseURL string
}

// New creates an engine. The batch handler is wired later via
// SetBatchHandler.
func New(opts Options) *Engine {
	if opts.CancelNotifier == nil {
		opts.CancelNotifier = NoopCancelNotifier{}
	}
	if opts.TaskDeadline <= 0 {
		opts.TaskDeadline = sdk.DefaultTaskDeadline
	}
	return &Engine{
		store:        opts.Store,
		queue:        opts.Queue,
		cancels:      opts.CancelNotifier,
		log:          opts.Logger,
		taskDeadline: opts.TaskDeadline,
		baseURL:      opts.BaseURL,
	}
}

// SetBatchHandler wires the map batch engine
func (e *Engine) SetBatchHandler(h BatchHandler) {
	e.batches = h
}

// EnqueueNode appends NODE_SCHEDULED and pushes the dispatch task
func (e *Engine) EnqueueNode(ctx context.Context, runID uuid.UUID, node *sdk.Node, attempt int) error {
	ev := &models.RunEvent{
		RunID:     runID,
		NodeID:    node.ID,
		EventType: sdk.EventNodeScheduled,
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return e.EnqueueTask(ctx, runID, node.ID, node.Type, attempt)
}

// EnqueueTask pushes a dispatch task without logging NODE_SCHEDULED,
// used for retries and scheduler re-dispatch where the node is already
// in the log
func (e *Engine) EnqueueTask(ctx context.Context, runID uuid.UUID, nodeID string, nodeType sdk.NodeKind, attempt int) error {
	now := time.Now()
	return e.queue.Enqueue(ctx, &sdk.NodeTask{
		RunID:      runID,
		NodeID:     nodeID,
		NodeType:   nodeType,
		Attempt:    attempt,
		EnqueuedAt: now,
		Deadline:   now.Add(e.taskDeadline),
	})
}

// NodeStarted records NODE_STARTED and flips pending runs to running
func (e *Engine) NodeStarted(ctx context.Context, task *sdk.NodeTask) error {
	if err := e.store.MarkRunRunning(ctx, task.RunID); err != nil {
		return err
	}
	return e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      task.RunID,
		NodeID:     task.NodeID,
		EventType:  sdk.EventNodeStarted,
		RetryCount: task.Attempt,
	})
}

// HandleOutcome applies an Execute outcome to the run. Duplicate
// deliveries die here: the terminal event insert hits the idempotency
// key and the whole call becomes a no-op.
func (e *Engine) HandleOutcome(ctx context.Context, task *sdk.NodeTask, node *sdk.Node, outcome *sdk.Outcome) error {
	run, err := e.store.GetRun(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		// Late outcome after cancel or failure; swallow
		e.log.Debug("dropping outcome for terminal run",
			"run_id", run.ID, "node_id", task.NodeID, "status", run.Status)
		return nil
	}

	switch outcome.Kind {
	case sdk.OutcomeCompleted:
		return e.nodeCompleted(ctx, run, task.NodeID, task.Attempt, outcome.Output)

	case sdk.OutcomeFailed:
		if outcome.Retryable && node != nil {
			policy := sdk.PolicyForNode(node)
			if task.Attempt < policy.MaxRetries {
				return e.scheduleRetry(ctx, task, node, outcome)
			}
		}
		return e.nodeFailed(ctx, run, task.NodeID, task.Attempt, outcome.ErrorKind, outcome.Message)

	case sdk.OutcomeSuspended:
		return e.nodeSuspended(ctx, run, task, outcome)

	default:
		return fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}
}

func (e *Engine) nodeCompleted(ctx context.Context, run *models.Run, nodeID string, attempt int, output map[string]any) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	err = e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      run.ID,
		NodeID:     nodeID,
		EventType:  sdk.EventNodeCompleted,
		Payload:    payload,
		RetryCount: attempt,
	})
	if errors.Is(err, repository.ErrDuplicateTerminal) {
		e.log.Debug("duplicate completion dropped", "run_id", run.ID, "node_id", nodeID)
		return nil
	}
	if err != nil {
		return err
	}

	return e.advance(ctx, run, nodeID, false)
}

func (e *Engine) nodeFailed(ctx context.Context, run *models.Run, nodeID string, attempt int, kind sdk.ErrorKind, message string) error {
	payload, _ := json.Marshal(map[string]any{
		"error_kind": kind,
		"message":    message,
	})

	err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      run.ID,
		NodeID:     nodeID,
		EventType:  sdk.EventNodeFailed,
		Payload:    payload,
		RetryCount: attempt,
	})
	if errors.Is(err, repository.ErrDuplicateTerminal) {
		e.log.Debug("duplicate failure dropped", "run_id", run.ID, "node_id", nodeID)
		return nil
	}
	if err != nil {
		return err
	}

	return e.propagateFailure(ctx, run, nodeID, message)
}

func (e *Engine) scheduleRetry(ctx context.Context, task *sdk.NodeTask, node *sdk.Node, outcome *sdk.Outcome) error {
	backoff := sdk.Backoff(task.Attempt)
	retryAt := time.Now().Add(backoff)

	payload, _ := json.Marshal(map[string]any{
		"message":  outcome.Message,
		"attempt":  task.Attempt + 1,
		"retry_at": retryAt,
	})
	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      task.RunID,
		NodeID:     task.NodeID,
		EventType:  sdk.EventNodeRetried,
		Payload:    payload,
		RetryCount: task.Attempt,
	}); err != nil {
		return err
	}

	dispatch, _ := json.Marshal(map[string]any{
		"attempt":   task.Attempt + 1,
		"node_type": node.Type,
	})
	runID := task.RunID
	if err := e.store.CreateScheduledEvent(ctx, &models.ScheduledEvent{
		Kind:         models.ScheduleRetryDispatch,
		DueAt:        retryAt,
		TargetRunID:  &runID,
		TargetNodeID: task.NodeID,
		Payload:      dispatch,
	}); err != nil {
		return err
	}

	e.log.Info("node retry scheduled",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt+1,
		"backoff", backoff,
	)
	return nil
}

func (e *Engine) nodeSuspended(ctx context.Context, run *models.Run, task *sdk.NodeTask, outcome *sdk.Outcome) error {
	payload := map[string]any{"reason": outcome.Reason}

	switch outcome.Reason {
	case sdk.SuspendDelay:
		if outcome.WakeAt == nil {
			return fmt.Errorf("delay suspension without wake_at")
		}
		payload["wake_at"] = outcome.WakeAt
		runID := run.ID
		if err := e.store.CreateScheduledEvent(ctx, &models.ScheduledEvent{
			Kind:         models.ScheduleDelayWakeup,
			DueAt:        *outcome.WakeAt,
			TargetRunID:  &runID,
			TargetNodeID: task.NodeID,
		}); err != nil {
			return err
		}

	case sdk.SuspendWebhook:
		if outcome.Token == "" || outcome.WakeAt == nil {
			return fmt.Errorf("webhook suspension without token or expiry")
		}
		payload["token"] = outcome.Token
		payload["expires_at"] = outcome.WakeAt
		if e.baseURL != "" {
			payload["resume_url"] = strings.TrimRight(e.baseURL, "/") + "/api/v1/resume/" + outcome.Token
		}
		if err := e.store.CreateSuspensionToken(ctx, &models.SuspensionToken{
			Token:     outcome.Token,
			RunID:     run.ID,
			NodeID:    task.NodeID,
			ExpiresAt: *outcome.WakeAt,
		}); err != nil {
			return err
		}
		runID := run.ID
		if err := e.store.CreateScheduledEvent(ctx, &models.ScheduledEvent{
			Kind:         models.ScheduleWebhookExpiry,
			DueAt:        *outcome.WakeAt,
			TargetRunID:  &runID,
			TargetNodeID: task.NodeID,
			Payload:      json.RawMessage(fmt.Sprintf(`{"token":%q}`, outcome.Token)),
		}); err != nil {
			return err
		}

	case sdk.SuspendSubflow:
		if outcome.ChildRunID != nil {
			payload["child_run_id"] = outcome.ChildRunID
		}

	case sdk.SuspendMap:
		if outcome.BatchID != nil {
			payload["batch_id"] = outcome.BatchID
		}
	}

	data, _ := json.Marshal(payload)
	return e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      run.ID,
		NodeID:     task.NodeID,
		EventType:  sdk.EventNodeSuspended,
		Payload:    data,
		RetryCount: task.Attempt,
	})
}

// ResumeNode is the suspension/resume protocol: record NODE_RESUMED
// with the resume payload, append the computed terminal, run successor
// computation. Duplicate resumes die on the terminal idempotency key.
func (e *Engine) ResumeNode(ctx context.Context, runID uuid.UUID, nodeID string, resumePayload map[string]any, failed bool, errKind sdk.ErrorKind, errMsg string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		e.log.Debug("dropping resume for terminal run", "run_id", runID, "node_id", nodeID)
		return nil
	}

	events, err := e.store.ListEvents(ctx, runID)
	if err != nil {
		return err
	}
	st := Fold(events)
	if st.Nodes[nodeID].Terminal() {
		// Late wakeup or expiry for a node that already settled
		e.log.Debug("dropping resume for settled node",
			"run_id", runID, "node_id", nodeID, "status", st.Nodes[nodeID])
		return nil
	}
	attempt := st.Retries[nodeID]

	data, _ := json.Marshal(resumePayload)
	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:      runID,
		NodeID:     nodeID,
		EventType:  sdk.EventNodeResumed,
		Payload:    data,
		RetryCount: attempt,
	}); err != nil {
		return err
	}

	if failed {
		return e.nodeFailed(ctx, run, nodeID, attempt, errKind, errMsg)
	}
	return e.nodeCompleted(ctx, run, nodeID, attempt, resumePayload)
}

// advance schedules the enabled successors of nodeID and finalizes the
// run when nothing is left to do
func (e *Engine) advance(ctx context.Context, run *models.Run, nodeID string, failed bool) error {
	graph, err := run.Graph()
	if err != nil {
		return fmt.Errorf("decode snapshot graph: %w", err)
	}
	events, err := e.store.ListEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	st := Fold(events)

	next := Successors(graph, st, nodeID, failed)
	for _, n := range next {
		node := n
		if err := e.EnqueueNode(ctx, run.ID, &node, 0); err != nil {
			return fmt.Errorf("enqueue successor %s: %w", node.ID, err)
		}
	}
	if len(next) > 0 {
		return nil
	}

	return e.maybeFinishRun(ctx, run, graph, st)
}

// maybeFinishRun completes the run once every visited node settled
func (e *Engine) maybeFinishRun(ctx context.Context, run *models.Run, graph *sdk.Graph, st *RunState) error {
	if !st.AllSettled() {
		return nil
	}

	output := AggregateOutput(graph, st)
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}

	applied, err := e.store.FinishRun(ctx, run.ID, sdk.RunCompleted, data, "")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:     run.ID,
		EventType: sdk.EventRunCompleted,
		Payload:   data,
	}); err != nil {
		return err
	}

	e.log.Info("run completed", "run_id", run.ID)
	return e.onRunTerminal(ctx, run, sdk.RunCompleted, output, "")
}

// propagateFailure continues on the node's error handle when one
// exists, else fails the run and cancels its outstanding work
func (e *Engine) propagateFailure(ctx context.Context, run *models.Run, nodeID, errMsg string) error {
	graph, err := run.Graph()
	if err != nil {
		return fmt.Errorf("decode snapshot graph: %w", err)
	}
	events, err := e.store.ListEvents(ctx, run.ID)
	if err != nil {
		return err
	}
	st := Fold(events)

	next := Successors(graph, st, nodeID, true)
	if len(next) > 0 {
		for _, n := range next {
			node := n
			if err := e.EnqueueNode(ctx, run.ID, &node, 0); err != nil {
				return fmt.Errorf("enqueue error successor %s: %w", node.ID, err)
			}
		}
		return nil
	}

	message := fmt.Sprintf("node %s failed: %s", nodeID, errMsg)
	applied, err := e.store.FinishRun(ctx, run.ID, sdk.RunFailed, nil, message)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	payload, _ := json.Marshal(map[string]any{"node_id": nodeID, "error": errMsg})
	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:     run.ID,
		EventType: sdk.EventRunFailed,
		Payload:   payload,
	}); err != nil {
		return err
	}

	if err := e.releaseRunResources(ctx, run.ID, models.BatchCancelled); err != nil {
		e.log.Warn("failed releasing run resources", "run_id", run.ID, "error", err)
	}

	e.log.Info("run failed", "run_id", run.ID, "node_id", nodeID, "error", errMsg)
	return e.onRunTerminal(ctx, run, sdk.RunFailed, nil, message)
}

// FailRun force-fails a run from outside the node pipeline, used by the
// scheduler for runs past their wall-clock budget or gone stale
func (e *Engine) FailRun(ctx context.Context, runID uuid.UUID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	applied, err := e.store.FinishRun(ctx, runID, sdk.RunFailed, nil, reason)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	payload, _ := json.Marshal(map[string]any{"error": reason})
	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: sdk.EventRunFailed,
		Payload:   payload,
	}); err != nil {
		return err
	}

	if err := e.releaseRunResources(ctx, runID, models.BatchCancelled); err != nil {
		e.log.Warn("failed releasing run resources", "run_id", runID, "error", err)
	}

	e.log.Info("run failed", "run_id", runID, "error", reason)
	return e.onRunTerminal(ctx, run, sdk.RunFailed, nil, reason)
}

// CancelRun marks a run cancelled and tears down its outstanding work.
// Cancellation is advisory for in-flight executors: their late terminal
// events are swallowed once the run row is terminal.
func (e *Engine) CancelRun(ctx context.Context, runID uuid.UUID) error {
	applied, err := e.store.FinishRun(ctx, runID, sdk.RunCancelled, nil, "cancelled")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := e.store.AppendEvent(ctx, &models.RunEvent{
		RunID:     runID,
		EventType: sdk.EventRunCancelled,
	}); err != nil {
		return err
	}

	e.cancels.NotifyCancel(ctx, runID)

	if err := e.releaseRunResources(ctx, runID, models.BatchCancelled); err != nil {
		e.log.Warn("failed releasing run resources", "run_id", runID, "error", err)
	}

	e.log.Info("run cancelled", "run_id", runID)
	return nil
}

// releaseRunResources drops pending timers, consumes tokens, cancels
// running batches and recursively cancels non-terminal children
func (e *Engine) releaseRunResources(ctx context.Context, runID uuid.UUID, batchStatus models.BatchStatus) error {
	if err := e.store.DeleteScheduledEventsForRun(ctx, runID); err != nil {
		return err
	}
	if err := e.store.ExpireTokensForRun(ctx, runID); err != nil {
		return err
	}

	if e.batches != nil {
		batches, err := e.store.ListBatchesForRun(ctx, runID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.Status.Terminal() {
				continue
			}
			if err := e.batches.CancelBatch(ctx, b.ID, batchStatus); err != nil {
				e.log.Warn("failed cancelling batch", "batch_id", b.ID, "error", err)
			}
		}
	}

	children, err := e.store.ListChildRuns(ctx, runID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.CancelRun(ctx, child.ID); err != nil {
			e.log.Warn("failed cancelling child run", "run_id", child.ID, "error", err)
		}
	}
	return nil
}

// onRunTerminal resumes the parent when the finished run was spawned by
// a subflow or map node
func (e *Engine) onRunTerminal(ctx context.Context, run *models.Run, status sdk.RunStatus, output map[string]any, errMsg string) error {
	if run.ParentRunID == nil || run.ParentNodeID == "" {
		return nil
	}

	// Map children carry their batch linkage in the injected $map scope
	if batchID, itemIndex, ok := mapLinkage(run.InputData); ok {
		if e.batches == nil {
			return fmt.Errorf("map child %s terminaled but no batch handler wired", run.ID)
		}
		return e.batches.OnChildTerminal(ctx, batchID, itemIndex, run.ID, status != sdk.RunCompleted, output, errMsg)
	}

	return e.resumeSubflowParent(ctx, run, status, output, errMsg)
}

func (e *Engine) resumeSubflowParent(ctx context.Context, child *models.Run, status sdk.RunStatus, output map[string]any, errMsg string) error {
	parent, err := e.store.GetRun(ctx, *child.ParentRunID)
	if err != nil {
		return fmt.Errorf("load parent run: %w", err)
	}
	if parent.Status.Terminal() {
		return nil
	}

	graph, err := parent.Graph()
	if err != nil {
		return fmt.Errorf("decode parent graph: %w", err)
	}
	node := graph.NodeByID(child.ParentNodeID)

	failOnError := true
	outputPath := ""
	if node != nil && node.Config != nil {
		if v, ok := node.Config["fail_on_error"].(bool); ok {
			failOnError = v
		}
		if v, ok := node.Config["output_path"].(string); ok {
			outputPath = v
		}
	}

	childOutput := any(output)
	if outputPath != "" && output != nil {
		if data, err := json.Marshal(output); err == nil {
			if res := gjson.GetBytes(data, outputPath); res.Exists() {
				childOutput = res.Value()
			}
		}
	}

	payload := map[string]any{
		"child_run_id": child.ID,
		"child_status": status,
	}
	if status == sdk.RunCompleted {
		payload["child_output"] = childOutput
	} else {
		payload["child_error"] = errMsg
	}

	failed := status != sdk.RunCompleted && failOnError
	return e.ResumeNode(ctx, parent.ID, child.ParentNodeID, payload, failed, sdk.ErrPermanent, errMsg)
}

// mapLinkage extracts the batch id and item index a map child carries
// in its input data
func mapLinkage(inputData json.RawMessage) (uuid.UUID, int, bool) {
	if len(inputData) == 0 {
		return uuid.Nil, 0, false
	}
	id := gjson.GetBytes(inputData, "$map.batch_id")
	idx := gjson.GetBytes(inputData, "$map.index")
	if !id.Exists() || !idx.Exists() {
		return uuid.Nil, 0, false
	}
	batchID, err := uuid.Parse(id.String())
	if err != nil {
		return uuid.Nil, 0, false
	}
	return batchID, int(idx.Int()), true
}
