package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

// SubflowExecutor starts a child run and suspends the parent node until
// the child reaches a terminal. fail_on_error and output_path live in
// the node config and are applied when the child terminal resumes the
// parent.
type SubflowExecutor struct {
	runner *runs.Service
	log    *logger.Logger
}

// NewSubflowExecutor creates the subflow executor
func NewSubflowExecutor(runner *runs.Service, log *logger.Logger) *SubflowExecutor {
	return &SubflowExecutor{runner: runner, log: log}
}

// Kind returns the node type tag
func (e *SubflowExecutor) Kind() sdk.NodeKind {
	return sdk.NodeSubflow
}

type subflowConfig struct {
	WorkflowID int    `json:"workflow_id"`
	VersionID  string `json:"version_id"`
	Input      any    `json:"input"`
}

// Execute creates the child and suspends
func (e *SubflowExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg subflowConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if cfg.WorkflowID == 0 {
		return sdk.Failed(sdk.ErrPermanent, "subflow node has no workflow_id", false), nil
	}

	var versionID *uuid.UUID
	if cfg.VersionID != "" {
		id, err := uuid.Parse(cfg.VersionID)
		if err != nil {
			return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("invalid version_id: %v", err), false), nil
		}
		versionID = &id
	}

	input := json.RawMessage(`{}`)
	if cfg.Input != nil {
		data, err := json.Marshal(cfg.Input)
		if err != nil {
			return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("marshal child input: %v", err), false), nil
		}
		input = data
	}

	parentRunID := t.Run.ID
	child, err := e.runner.CreateRun(ctx, runs.CreateRunParams{
		WorkflowID:   cfg.WorkflowID,
		VersionID:    versionID,
		Input:        input,
		Trigger:      sdk.TriggerSubflow,
		ParentRunID:  &parentRunID,
		ParentNodeID: t.Node.ID,
		Depth:        t.Run.Depth + 1,
	})
	if err != nil {
		if errors.Is(err, runs.ErrDepthExceeded) {
			return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
		}
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("start child run: %v", err), false), nil
	}

	e.log.Info("subflow child started",
		"run_id", t.Run.ID, "node_id", t.Node.ID, "child_run_id", child.ID)
	return sdk.SuspendedSubflow(child.ID), nil
}
