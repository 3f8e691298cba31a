// Package runs is the trigger surface: it creates runs, materializing
// the version snapshot and scheduling the initial frontier.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/cache"
	"github.com/lyzr/gridflow/common/graphcheck"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/queue"
	"github.com/lyzr/gridflow/common/sdk"
)

// ErrDepthExceeded is returned when a child run would pass MaxDepth
var ErrDepthExceeded = errors.New("run depth exceeded")

// Store is the persistence surface run creation needs
type Store interface {
	GetWorkflow(ctx context.Context, id int) (*models.Workflow, error)
	GetVersion(ctx context.Context, id uuid.UUID) (*models.WorkflowVersion, error)
	GetActiveVersion(ctx context.Context, workflowID int) (*models.WorkflowVersion, error)
	CreateRunWithEvents(ctx context.Context, run *models.Run, events []*models.RunEvent) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
}

// Service creates runs
type Service struct {
	store    Store
	queue    queue.Queue
	cache    cache.Cache
	log      *logger.Logger
	deadline time.Duration
}

// NewService creates a run service. cache may be nil to disable
// active-version caching.
func NewService(store Store, q queue.Queue, c cache.Cache, log *logger.Logger, taskDeadline time.Duration) *Service {
	if taskDeadline <= 0 {
		taskDeadline = sdk.DefaultTaskDeadline
	}
	return &Service{
		store:    store,
		queue:    q,
		cache:    c,
		log:      log,
		deadline: taskDeadline,
	}
}

// CreateRunParams describes one run creation
type CreateRunParams struct {
	WorkflowID int
	// VersionID pins a specific version; nil resolves the workflow's
	// active version at creation time
	VersionID *uuid.UUID
	Input     json.RawMessage
	Trigger   sdk.Trigger
	Pinned    bool

	// Parent linkage for subflow and map children
	ParentRunID  *uuid.UUID
	ParentNodeID string
	Depth        int

	// SnapshotGraph short-circuits version resolution when the caller
	// already holds the frozen graph (map children reuse the batch's
	// cached child graph)
	SnapshotGraph json.RawMessage
}

// CreateRun creates a run in one transaction: the run row, RUN_CREATED,
// and one NODE_SCHEDULED per initial-frontier node. Dispatch tasks are
// enqueued after commit; a failed enqueue is recovered by at-least-once
// redelivery semantics, never by a half-created run.
func (s *Service) CreateRun(ctx context.Context, p CreateRunParams) (*models.Run, error) {
	if p.ParentRunID != nil && p.Depth > sdk.MaxDepth {
		return nil, fmt.Errorf("depth %d: %w", p.Depth, ErrDepthExceeded)
	}

	snapshot := p.SnapshotGraph
	versionID := p.VersionID
	if snapshot == nil {
		version, err := s.resolveVersion(ctx, p.WorkflowID, p.VersionID)
		if err != nil {
			return nil, err
		}
		snapshot = version.Graph
		versionID = &version.ID
	}

	graph, err := graphcheck.ValidateJSON(snapshot)
	if err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	input := p.Input
	if input == nil {
		input = json.RawMessage(`{}`)
	}

	run := &models.Run{
		ID:                uuid.New(),
		WorkflowID:        p.WorkflowID,
		WorkflowVersionID: versionID,
		SnapshotGraph:     snapshot,
		Status:            sdk.RunPending,
		Trigger:           p.Trigger,
		InputData:         input,
		Pinned:            p.Pinned,
		ParentRunID:       p.ParentRunID,
		ParentNodeID:      p.ParentNodeID,
		Depth:             p.Depth,
	}

	createdPayload, _ := json.Marshal(map[string]any{
		"trigger": p.Trigger,
		"depth":   p.Depth,
	})
	events := []*models.RunEvent{{
		RunID:     run.ID,
		EventType: sdk.EventRunCreated,
		Payload:   createdPayload,
	}}

	frontier := graph.EntryNodes()
	for _, n := range frontier {
		events = append(events, &models.RunEvent{
			RunID:     run.ID,
			NodeID:    n.ID,
			EventType: sdk.EventNodeScheduled,
		})
	}

	if err := s.store.CreateRunWithEvents(ctx, run, events); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	now := time.Now()
	for _, n := range frontier {
		task := &sdk.NodeTask{
			RunID:      run.ID,
			NodeID:     n.ID,
			NodeType:   n.Type,
			EnqueuedAt: now,
			Deadline:   now.Add(s.deadline),
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.log.Error("failed enqueueing frontier task",
				"run_id", run.ID, "node_id", n.ID, "error", err)
		}
	}

	s.log.Info("run created",
		"run_id", run.ID,
		"workflow_id", p.WorkflowID,
		"trigger", p.Trigger,
		"frontier", len(frontier),
	)
	return run, nil
}

// Replay creates a fresh run from an existing run's pinned version and
// input
func (s *Service) Replay(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	prior, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.CreateRun(ctx, CreateRunParams{
		WorkflowID:    prior.WorkflowID,
		VersionID:     prior.WorkflowVersionID,
		Input:         prior.InputData,
		Trigger:       sdk.TriggerReplay,
		SnapshotGraph: prior.SnapshotGraph,
	})
}

// ResolveVersion returns the pinned version when versionID is set, else
// the workflow's active version as of now. Unpinned children resolving
// at child-creation time is deliberate: long-running maps pick up a
// bug-fixed child version mid-batch.
//
// "As of now" is bounded by the cache TTL: a publish invalidates the
// local cache immediately, but another process may serve the previous
// active version until its own entry expires. Callers that cannot
// tolerate the window should pin versionID.
func (s *Service) ResolveVersion(ctx context.Context, workflowID int, versionID *uuid.UUID) (*models.WorkflowVersion, error) {
	return s.resolveVersion(ctx, workflowID, versionID)
}

func (s *Service) resolveVersion(ctx context.Context, workflowID int, versionID *uuid.UUID) (*models.WorkflowVersion, error) {
	if versionID != nil {
		return s.store.GetVersion(ctx, *versionID)
	}

	cacheKey := fmt.Sprintf("active_version:%d", workflowID)
	if s.cache != nil {
		if cached, ok := s.cache.Get(cacheKey); ok {
			if v, ok := cached.(*models.WorkflowVersion); ok {
				return v, nil
			}
		}
	}

	version, err := s.store.GetActiveVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, version)
	}
	return version, nil
}

// InvalidateVersionCache drops the cached active version, called after
// a publish
func (s *Service) InvalidateVersionCache(workflowID int) {
	if s.cache != nil {
		s.cache.Delete(fmt.Sprintf("active_version:%d", workflowID))
	}
}
