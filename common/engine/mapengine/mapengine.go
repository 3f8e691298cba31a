// Package mapengine owns the item lifecycle of map nodes: spawning
// child runs under the batch's concurrency limit, recording item
// terminals at most once, and resuming the parent when the batch
// settles. All counter changes happen under the batch row lock.
package mapengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

// Store is the batch persistence surface
type Store interface {
	CreateBatch(ctx context.Context, b *models.BatchOperation) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchOperation, error)
	MutateBatch(ctx context.Context, id uuid.UUID, fn func(b *models.BatchOperation) error) (*models.BatchOperation, error)
	InsertBatchResult(ctx context.Context, r *models.BatchResult) (bool, error)
	ListBatchResults(ctx context.Context, batchID uuid.UUID) ([]*models.BatchResult, error)
	ListChildRuns(ctx context.Context, parentID uuid.UUID) ([]*models.Run, error)
}

// ChildRunner creates child runs
type ChildRunner interface {
	CreateRun(ctx context.Context, p runs.CreateRunParams) (*models.Run, error)
	ResolveVersion(ctx context.Context, workflowID int, versionID *uuid.UUID) (*models.WorkflowVersion, error)
}

// Resumer resumes the parent map node and cancels runs. The engine
// implements this; it is an interface only to break the construction
// cycle between run completion and batch progression.
type Resumer interface {
	ResumeNode(ctx context.Context, runID uuid.UUID, nodeID string, payload map[string]any, failed bool, errKind sdk.ErrorKind, errMsg string) error
	CancelRun(ctx context.Context, runID uuid.UUID) error
}

// Engine drives batch operations
type Engine struct {
	store  Store
	runner ChildRunner
	resume Resumer
	log    *logger.Logger
}

// New creates a map engine
func New(store Store, runner ChildRunner, resume Resumer, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		runner: runner,
		resume: resume,
		log:    log,
	}
}

// Config is a map node's resolved configuration
type Config struct {
	Items           []any
	ChildWorkflowID int
	ChildVersionID  *uuid.UUID
	Concurrency     int
	FailFast        bool
	TimeoutMs       int
}

// StartBatch creates the batch row with the child graph and depth
// cached (avoiding per-item version reads) and spawns the first wave.
// Returns the batch id the map node suspends on.
func (e *Engine) StartBatch(ctx context.Context, run *models.Run, nodeID string, cfg Config) (uuid.UUID, error) {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > sdk.MaxMapConcurrency {
		concurrency = sdk.MaxMapConcurrency
	}

	childDepth := run.Depth + 1
	if childDepth > sdk.MaxDepth {
		return uuid.Nil, fmt.Errorf("child depth %d: %w", childDepth, runs.ErrDepthExceeded)
	}

	version, err := e.runner.ResolveVersion(ctx, cfg.ChildWorkflowID, cfg.ChildVersionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve child version: %w", err)
	}

	items, err := json.Marshal(cfg.Items)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal input items: %w", err)
	}

	batch := &models.BatchOperation{
		ID:               uuid.New(),
		RunID:            run.ID,
		NodeID:           nodeID,
		TotalItems:       len(cfg.Items),
		ConcurrencyLimit: concurrency,
		FailFast:         cfg.FailFast,
		InputItems:       items,
		ChildWorkflowID:  cfg.ChildWorkflowID,
		ChildVersionID:   &version.ID,
		ChildGraph:       version.Graph,
		ChildDepth:       childDepth,
		Status:           models.BatchRunning,
		TimeoutMs:        cfg.TimeoutMs,
	}

	if err := e.store.CreateBatch(ctx, batch); err != nil {
		return uuid.Nil, err
	}

	e.log.Info("batch started",
		"batch_id", batch.ID,
		"run_id", run.ID,
		"node_id", nodeID,
		"total_items", batch.TotalItems,
		"concurrency", concurrency,
	)

	if err := e.spawn(ctx, batch.ID); err != nil {
		return uuid.Nil, err
	}
	return batch.ID, nil
}

// spawn claims item indexes under the row lock, then creates the child
// runs outside it. A child that fails to start is recorded as a failed
// item through the normal terminal path.
func (e *Engine) spawn(ctx context.Context, batchID uuid.UUID) error {
	var claimed []int
	var snapshot *models.BatchOperation

	b, err := e.store.MutateBatch(ctx, batchID, func(b *models.BatchOperation) error {
		claimed = claimed[:0]
		if b.Status != models.BatchRunning {
			return nil
		}
		for b.ActiveCount < b.ConcurrencyLimit &&
			b.CurrentIndex < b.TotalItems &&
			(!b.FailFast || b.FailedCount == 0) {
			claimed = append(claimed, b.CurrentIndex)
			b.CurrentIndex++
			b.ActiveCount++
		}
		return nil
	})
	if err != nil {
		return err
	}
	snapshot = b

	if len(claimed) == 0 {
		return nil
	}

	items, err := snapshot.Items()
	if err != nil {
		return fmt.Errorf("decode input items: %w", err)
	}

	parentRunID := snapshot.RunID
	for _, index := range claimed {
		input, err := childInput(items[index], index, snapshot.ID)
		if err != nil {
			e.failItemStart(ctx, snapshot, index, fmt.Sprintf("build child input: %v", err))
			continue
		}

		_, err = e.runner.CreateRun(ctx, runs.CreateRunParams{
			WorkflowID:    snapshot.ChildWorkflowID,
			VersionID:     snapshot.ChildVersionID,
			Input:         input,
			Trigger:       sdk.TriggerMap,
			ParentRunID:   &parentRunID,
			ParentNodeID:  snapshot.NodeID,
			Depth:         snapshot.ChildDepth,
			SnapshotGraph: snapshot.ChildGraph,
		})
		if err != nil {
			e.failItemStart(ctx, snapshot, index, fmt.Sprintf("create child run: %v", err))
		}
	}
	return nil
}

func (e *Engine) failItemStart(ctx context.Context, b *models.BatchOperation, index int, msg string) {
	e.log.Error("map item failed to start",
		"batch_id", b.ID, "item_index", index, "error", msg)
	if err := e.OnChildTerminal(ctx, b.ID, index, uuid.Nil, true, nil, msg); err != nil {
		e.log.Error("failed recording item start failure",
			"batch_id", b.ID, "item_index", index, "error", err)
	}
}

// OnChildTerminal records one item's terminal and advances the batch:
// spawn more, or settle and resume the parent. The composite key on
// batch_results makes duplicate child terminals no-ops.
func (e *Engine) OnChildTerminal(ctx context.Context, batchID uuid.UUID, itemIndex int, childRunID uuid.UUID, failed bool, output map[string]any, errMsg string) error {
	status := "completed"
	if failed {
		status = "failed"
	}

	result := &models.BatchResult{
		BatchID:   batchID,
		ItemIndex: itemIndex,
		Status:    status,
	}
	if childRunID != uuid.Nil {
		result.ChildRunID = &childRunID
	}
	if failed {
		result.ErrorMessage = errMsg
	} else if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal item output: %w", err)
		}
		result.Output = data
	}

	inserted, err := e.store.InsertBatchResult(ctx, result)
	if err != nil {
		return err
	}
	if !inserted {
		e.log.Debug("duplicate item terminal dropped",
			"batch_id", batchID, "item_index", itemIndex)
		return nil
	}

	var settled models.BatchStatus
	b, err := e.store.MutateBatch(ctx, batchID, func(b *models.BatchOperation) error {
		settled = ""
		if b.Status != models.BatchRunning {
			return nil
		}
		if b.ActiveCount > 0 {
			b.ActiveCount--
		}
		if failed {
			b.FailedCount++
		} else {
			b.CompletedCount++
		}

		switch {
		case b.FailFast && b.FailedCount > 0:
			b.Status = models.BatchFailed
			settled = models.BatchFailed
		case b.CompletedCount+b.FailedCount == b.TotalItems:
			// Without fail_fast the batch completes even when items
			// failed; the per-item errors travel in the results
			b.Status = models.BatchCompleted
			settled = models.BatchCompleted
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch settled {
	case models.BatchFailed:
		e.cancelOutstandingChildren(ctx, b)
		return e.resumeParent(ctx, b, true, fmt.Sprintf("item %d failed: %s", itemIndex, errMsg))
	case models.BatchCompleted:
		return e.resumeParent(ctx, b, false, "")
	default:
		return e.spawn(ctx, batchID)
	}
}

// CancelBatch marks a running batch with the given terminal status and
// cancels its outstanding children. The parent is not resumed; this
// path runs inside parent failure or cancellation.
func (e *Engine) CancelBatch(ctx context.Context, batchID uuid.UUID, status models.BatchStatus) error {
	var applied bool
	b, err := e.store.MutateBatch(ctx, batchID, func(b *models.BatchOperation) error {
		applied = false
		if b.Status != models.BatchRunning {
			return nil
		}
		b.Status = status
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		e.cancelOutstandingChildren(ctx, b)
	}
	return nil
}

// ExpireBatch times out a running batch and resumes the parent as
// failed, called by the scheduler's reaper
func (e *Engine) ExpireBatch(ctx context.Context, batchID uuid.UUID) error {
	var applied bool
	b, err := e.store.MutateBatch(ctx, batchID, func(b *models.BatchOperation) error {
		applied = false
		if b.Status != models.BatchRunning {
			return nil
		}
		b.Status = models.BatchTimedOut
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	e.cancelOutstandingChildren(ctx, b)
	return e.resumeParent(ctx, b, true, "batch timed out")
}

func (e *Engine) cancelOutstandingChildren(ctx context.Context, b *models.BatchOperation) {
	children, err := e.store.ListChildRuns(ctx, b.RunID)
	if err != nil {
		e.log.Warn("failed listing batch children", "batch_id", b.ID, "error", err)
		return
	}
	for _, child := range children {
		if !childOfBatch(child, b.ID) {
			continue
		}
		if err := e.resume.CancelRun(ctx, child.ID); err != nil {
			e.log.Warn("failed cancelling batch child",
				"batch_id", b.ID, "run_id", child.ID, "error", err)
		}
	}
}

// resumeParent reports the batch terminal to the suspended map node.
// Results are ordered by item_index regardless of completion order.
func (e *Engine) resumeParent(ctx context.Context, b *models.BatchOperation, failed bool, errMsg string) error {
	results, err := e.store.ListBatchResults(ctx, b.ID)
	if err != nil {
		return err
	}

	ordered := make([]any, b.TotalItems)
	var errs []map[string]any
	for _, r := range results {
		if r.ItemIndex < 0 || r.ItemIndex >= b.TotalItems {
			continue
		}
		if r.Status == "failed" {
			errs = append(errs, map[string]any{
				"index": r.ItemIndex,
				"error": r.ErrorMessage,
			})
			continue
		}
		var out any
		if len(r.Output) > 0 {
			_ = json.Unmarshal(r.Output, &out)
		}
		ordered[r.ItemIndex] = out
	}

	payload := map[string]any{
		"batch_id": b.ID,
		"results":  ordered,
		"stats": map[string]any{
			"total":     b.TotalItems,
			"completed": b.CompletedCount,
			"failed":    b.FailedCount,
		},
	}
	if len(errs) > 0 {
		payload["errors"] = errs
	}

	e.log.Info("batch settled",
		"batch_id", b.ID,
		"status", b.Status,
		"completed", b.CompletedCount,
		"failed", b.FailedCount,
	)
	return e.resume.ResumeNode(ctx, b.RunID, b.NodeID, payload, failed, sdk.ErrPermanent, errMsg)
}

// childInput builds a map child's input: the item's own fields (or a
// "value" wrapper for scalars) plus the injected $map scope carrying
// the batch linkage
func childInput(item any, index int, batchID uuid.UUID) (json.RawMessage, error) {
	input := make(map[string]any)
	if obj, ok := item.(map[string]any); ok {
		for k, v := range obj {
			input[k] = v
		}
	} else {
		input["value"] = item
	}
	input["$map"] = map[string]any{
		"item":     item,
		"index":    index,
		"batch_id": batchID.String(),
	}
	return json.Marshal(input)
}

// childOfBatch checks the $map linkage in a child's input data
func childOfBatch(run *models.Run, batchID uuid.UUID) bool {
	if len(run.InputData) == 0 {
		return false
	}
	return gjson.GetBytes(run.InputData, "$map.batch_id").String() == batchID.String()
}
