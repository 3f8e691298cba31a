package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/metrics"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/repository"
	"github.com/lyzr/gridflow/common/sdk"
	"github.com/lyzr/gridflow/common/stream"
	"github.com/lyzr/gridflow/common/template"

	"github.com/lyzr/gridflow/cmd/worker/executor"
)

// Runtime is the dispatch loop body: resolve the node, execute it,
// report the outcome. A nil return acks the message; a non-nil return
// leaves it pending for redelivery.
type Runtime struct {
	repo     *repository.Store
	engine   *engine.Engine
	registry *executor.Registry
	cancels  *CancelRegistry
	sink     stream.Publisher
	metrics  *metrics.Registry
	log      *logger.Logger

	taskDeadline time.Duration
}

// NewRuntime creates the worker runtime
func NewRuntime(
	repo *repository.Store,
	eng *engine.Engine,
	registry *executor.Registry,
	cancels *CancelRegistry,
	sink stream.Publisher,
	m *metrics.Registry,
	log *logger.Logger,
	taskDeadline time.Duration,
) *Runtime {
	if taskDeadline <= 0 {
		taskDeadline = sdk.DefaultTaskDeadline
	}
	return &Runtime{
		repo:         repo,
		engine:       eng,
		registry:     registry,
		cancels:      cancels,
		sink:         sink,
		metrics:      m,
		log:          log,
		taskDeadline: taskDeadline,
	}
}

// Handle processes one dispatch task
func (r *Runtime) Handle(ctx context.Context, task *sdk.NodeTask) error {
	log := r.log.WithRunID(task.RunID.String()).WithNodeID(task.NodeID)

	run, err := r.repo.GetRun(ctx, task.RunID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("dropping task for unknown run")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		log.Debug("dropping task for terminal run", "status", run.Status)
		return nil
	}

	graph, err := run.Graph()
	if err != nil {
		return r.engine.HandleOutcome(ctx, task, nil,
			sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("decode snapshot graph: %v", err), false))
	}
	node := graph.NodeByID(task.NodeID)
	if node == nil {
		return r.engine.HandleOutcome(ctx, task, nil,
			sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("node %s not in graph", task.NodeID), false))
	}

	exec, ok := r.registry.For(node.Type)
	if !ok {
		return r.engine.HandleOutcome(ctx, task, node,
			sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("no executor for node type %s", node.Type), false))
	}

	if err := r.engine.NodeStarted(ctx, task); err != nil {
		return fmt.Errorf("record node start: %w", err)
	}

	scope, err := r.buildScope(ctx, run)
	if err != nil {
		return r.engine.HandleOutcome(ctx, task, node,
			sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("build template scope: %v", err), false))
	}

	resolved := map[string]any{}
	if node.Config != nil {
		if m, ok := template.ResolveAny(node.Config, scope).(map[string]any); ok {
			resolved = m
		}
	}

	deadline := task.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(r.taskDeadline)
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	unregister := r.cancels.Register(task.RunID, cancel)
	defer unregister()
	defer cancel()

	started := time.Now()
	outcome, execErr := exec.Execute(execCtx, &executor.Task{
		Run:      run,
		Node:     node,
		Config:   resolved,
		Attempt:  task.Attempt,
		Deadline: deadline,
		Sink:     r.sink,
	})
	if execErr != nil {
		// Infrastructure failure, not a node failure: leave the message
		// pending so redelivery retries the whole execution
		log.Error("execution failed", "error", execErr)
		return execErr
	}

	r.metrics.ObserveExecution(string(node.Type), time.Since(started), outcome.Kind == sdk.OutcomeFailed)
	if outcome.Kind == sdk.OutcomeFailed && outcome.Retryable {
		r.metrics.ObserveRetry(string(node.Type))
	}

	switch outcome.Kind {
	case sdk.OutcomeCompleted:
		r.sink.Publish(ctx, run.ID, stream.Complete(node.ID))
	case sdk.OutcomeFailed:
		r.sink.Publish(ctx, run.ID, stream.Error(node.ID, outcome.Message))
	}

	if err := r.engine.HandleOutcome(ctx, task, node, outcome); err != nil {
		return fmt.Errorf("apply outcome: %w", err)
	}
	return nil
}

// buildScope folds the run's log into the template scope
func (r *Runtime) buildScope(ctx context.Context, run *models.Run) (*template.Scope, error) {
	events, err := r.repo.ListEvents(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	st := engine.Fold(events)

	var trigger any
	if len(run.InputData) > 0 {
		if err := json.Unmarshal(run.InputData, &trigger); err != nil {
			return nil, fmt.Errorf("decode input data: %w", err)
		}
	}

	scope := &template.Scope{
		Outputs: st.Outputs,
		Trigger: trigger,
	}

	if obj, ok := trigger.(map[string]any); ok {
		if raw, ok := obj["$map"].(map[string]any); ok {
			ms := &template.MapScope{Item: raw["item"]}
			if idx, ok := raw["index"].(float64); ok {
				ms.Index = int(idx)
			}
			if id, ok := raw["batch_id"].(string); ok {
				ms.BatchID = id
			}
			scope.Map = ms
		}
	}
	return scope, nil
}
