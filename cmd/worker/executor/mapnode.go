package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/engine/mapengine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

// MapExecutor hands the item list to the map engine and suspends on the
// batch. An empty list completes inline; there is nothing to wait for.
type MapExecutor struct {
	batches *mapengine.Engine
	log     *logger.Logger
}

// NewMapExecutor creates the map executor
func NewMapExecutor(batches *mapengine.Engine, log *logger.Logger) *MapExecutor {
	return &MapExecutor{batches: batches, log: log}
}

// Kind returns the node type tag
func (e *MapExecutor) Kind() sdk.NodeKind {
	return sdk.NodeMap
}

type mapConfig struct {
	Items       []any   `json:"items"`
	WorkflowID  int     `json:"workflow_id"`
	VersionID   string  `json:"version_id"`
	Concurrency int     `json:"concurrency"`
	FailFast    bool    `json:"fail_fast"`
	Timeout     float64 `json:"timeout_ms"`
}

// Execute starts the batch
func (e *MapExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg mapConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if cfg.WorkflowID == 0 {
		return sdk.Failed(sdk.ErrPermanent, "map node has no workflow_id", false), nil
	}

	if len(cfg.Items) == 0 {
		return sdk.Completed(map[string]any{
			"results": []any{},
			"stats": map[string]any{
				"total":     0,
				"completed": 0,
				"failed":    0,
			},
		}), nil
	}

	var versionID *uuid.UUID
	if cfg.VersionID != "" {
		id, err := uuid.Parse(cfg.VersionID)
		if err != nil {
			return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("invalid version_id: %v", err), false), nil
		}
		versionID = &id
	}

	batchID, err := e.batches.StartBatch(ctx, t.Run, t.Node.ID, mapengine.Config{
		Items:           cfg.Items,
		ChildWorkflowID: cfg.WorkflowID,
		ChildVersionID:  versionID,
		Concurrency:     cfg.Concurrency,
		FailFast:        cfg.FailFast,
		TimeoutMs:       int(cfg.Timeout),
	})
	if err != nil {
		if errors.Is(err, runs.ErrDepthExceeded) {
			return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
		}
		return sdk.Failed(sdk.ErrPermanent, fmt.Sprintf("start batch: %v", err), false), nil
	}

	return sdk.SuspendedMap(batchID), nil
}
