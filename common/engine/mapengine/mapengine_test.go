package mapengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/engine"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/runs"
	"github.com/lyzr/gridflow/common/sdk"
)

var childGraph = json.RawMessage(`{"nodes":[{"id":"work","type":"CODE"}],"edges":[]}`)

// fakeRunner creates child runs straight into the memory store so
// ListChildRuns sees them
type fakeRunner struct {
	store   *engine.MemoryStore
	created []*models.Run
	failAll bool
}

func (f *fakeRunner) CreateRun(_ context.Context, p runs.CreateRunParams) (*models.Run, error) {
	if f.failAll {
		return nil, assert.AnError
	}
	run := &models.Run{
		ID:            uuid.New(),
		WorkflowID:    p.WorkflowID,
		SnapshotGraph: p.SnapshotGraph,
		Status:        sdk.RunRunning,
		Trigger:       p.Trigger,
		InputData:     p.Input,
		ParentRunID:   p.ParentRunID,
		ParentNodeID:  p.ParentNodeID,
		Depth:         p.Depth,
	}
	f.store.PutRun(run)
	f.created = append(f.created, run)
	return run, nil
}

func (f *fakeRunner) ResolveVersion(_ context.Context, workflowID int, _ *uuid.UUID) (*models.WorkflowVersion, error) {
	return &models.WorkflowVersion{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		VersionNumber: 1,
		Graph:         childGraph,
	}, nil
}

type fakeResumer struct {
	store *engine.MemoryStore

	resumed   bool
	runID     uuid.UUID
	nodeID    string
	payload   map[string]any
	failed    bool
	cancelled []uuid.UUID
}

func (f *fakeResumer) ResumeNode(_ context.Context, runID uuid.UUID, nodeID string, payload map[string]any, failed bool, _ sdk.ErrorKind, _ string) error {
	f.resumed = true
	f.runID = runID
	f.nodeID = nodeID
	f.payload = payload
	f.failed = failed
	return nil
}

func (f *fakeResumer) CancelRun(_ context.Context, runID uuid.UUID) error {
	f.cancelled = append(f.cancelled, runID)
	if f.store != nil {
		if _, err := f.store.FinishRun(context.Background(), runID, sdk.RunCancelled, nil, "cancelled"); err != nil {
			return err
		}
	}
	return nil
}

func testSetup(t *testing.T) (*Engine, *engine.MemoryStore, *fakeRunner, *fakeResumer) {
	t.Helper()
	store := engine.NewMemoryStore()
	runner := &fakeRunner{store: store}
	resumer := &fakeResumer{store: store}
	eng := New(store, runner, resumer, logger.New("error", "json"))
	return eng, store, runner, resumer
}

func parentRun(store *engine.MemoryStore) *models.Run {
	run := &models.Run{
		ID:            uuid.New(),
		WorkflowID:    1,
		SnapshotGraph: json.RawMessage(`{"nodes":[{"id":"fan","type":"MAP"}],"edges":[]}`),
		Status:        sdk.RunRunning,
		Trigger:       sdk.TriggerManual,
		InputData:     json.RawMessage(`{}`),
	}
	store.PutRun(run)
	return run
}

func startBatch(t *testing.T, eng *Engine, store *engine.MemoryStore, items []any, concurrency int, failFast bool) (uuid.UUID, *models.Run) {
	t.Helper()
	parent := parentRun(store)
	batchID, err := eng.StartBatch(context.Background(), parent, "fan", Config{
		Items:           items,
		ChildWorkflowID: 2,
		Concurrency:     concurrency,
		FailFast:        failFast,
	})
	require.NoError(t, err)
	return batchID, parent
}

func TestStartBatchSpawnsFirstWave(t *testing.T) {
	eng, store, runner, _ := testSetup(t)
	batchID, parent := startBatch(t, eng, store, []any{"a", "b", "c", "d", "e"}, 2, false)

	b, err := store.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 5, b.TotalItems)
	assert.Equal(t, 2, b.ActiveCount)
	assert.Equal(t, 2, b.CurrentIndex)
	assert.Equal(t, models.BatchRunning, b.Status)

	require.Len(t, runner.created, 2)
	child := runner.created[0]
	assert.Equal(t, sdk.TriggerMap, child.Trigger)
	assert.Equal(t, parent.ID, *child.ParentRunID)
	assert.Equal(t, "fan", child.ParentNodeID)
	assert.Equal(t, 1, child.Depth)

	// Scalar items travel as a value wrapper plus the $map scope
	var input map[string]any
	require.NoError(t, json.Unmarshal(child.InputData, &input))
	assert.Equal(t, "a", input["value"])
	scope, ok := input["$map"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), scope["index"])
	assert.Equal(t, batchID.String(), scope["batch_id"])
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	eng, store, runner, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{1, 2, 3, 4, 5}, 2, false)
	ctx := context.Background()

	done := 0
	for !resumer.resumed {
		require.Less(t, done, 10, "batch never settled")
		b, err := store.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.LessOrEqual(t, b.ActiveCount, 2)

		child := runner.created[done]
		idx := childIndex(t, child)
		require.NoError(t, eng.OnChildTerminal(ctx, batchID, idx, child.ID, false,
			map[string]any{"n": idx}, ""))
		done++
	}

	assert.Equal(t, 5, done)
	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, models.BatchCompleted, b.Status)
	assert.Equal(t, 5, b.CompletedCount)
	assert.Equal(t, 0, b.FailedCount)
	assert.Equal(t, 0, b.ActiveCount)
}

func childIndex(t *testing.T, run *models.Run) int {
	t.Helper()
	var input struct {
		Map struct {
			Index int `json:"index"`
		} `json:"$map"`
	}
	require.NoError(t, json.Unmarshal(run.InputData, &input))
	return input.Map.Index
}

func TestResultsOrderedByIndex(t *testing.T) {
	eng, store, _, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"x", "y", "z"}, 3, false)
	ctx := context.Background()

	// Terminals arrive out of order
	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, eng.OnChildTerminal(ctx, batchID, idx, uuid.New(), false,
			map[string]any{"index": idx}, ""))
	}

	require.True(t, resumer.resumed)
	assert.False(t, resumer.failed)
	results, ok := resumer.payload["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 3)
	for i, r := range results {
		out, ok := r.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, i, out["index"])
	}

	stats, ok := resumer.payload["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 3, stats["completed"])
	assert.Equal(t, 0, stats["failed"])
}

func TestFailuresWithoutFailFastCompleteWithErrors(t *testing.T) {
	eng, store, _, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a", "b", "c"}, 3, false)
	ctx := context.Background()

	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 0, uuid.New(), false, map[string]any{"ok": true}, ""))
	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 1, uuid.New(), true, nil, "item exploded"))
	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 2, uuid.New(), false, map[string]any{"ok": true}, ""))

	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, models.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.CompletedCount)
	assert.Equal(t, 1, b.FailedCount)

	require.True(t, resumer.resumed)
	assert.False(t, resumer.failed)
	errs, ok := resumer.payload["errors"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0]["index"])
	assert.Equal(t, "item exploded", errs[0]["error"])

	// The failed slot stays nil in the ordered results
	results := resumer.payload["results"].([]any)
	assert.Nil(t, results[1])
}

func TestFailFastCancelsOutstanding(t *testing.T) {
	eng, store, runner, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a", "b", "c"}, 3, true)
	ctx := context.Background()

	// The failing child's run row is already terminal by the time its
	// terminal reaches the batch engine
	failing := runner.created[1]
	_, err := store.FinishRun(ctx, failing.ID, sdk.RunFailed, nil, "boom")
	require.NoError(t, err)
	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 1, failing.ID, true, nil, "boom"))

	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, models.BatchFailed, b.Status)

	require.True(t, resumer.resumed)
	assert.True(t, resumer.failed)

	// The two still-running siblings were cancelled
	assert.ElementsMatch(t,
		[]uuid.UUID{runner.created[0].ID, runner.created[2].ID},
		resumer.cancelled,
	)

	// No new items spawn after the failure
	assert.Len(t, runner.created, 3)
}

func TestDuplicateChildTerminalIsNoop(t *testing.T) {
	eng, store, _, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a", "b"}, 2, false)
	ctx := context.Background()

	childID := uuid.New()
	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 0, childID, false, map[string]any{"n": 0}, ""))
	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 0, childID, false, map[string]any{"n": 0}, ""))

	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, 1, b.CompletedCount)
	assert.False(t, resumer.resumed)

	require.NoError(t, eng.OnChildTerminal(ctx, batchID, 1, uuid.New(), false, map[string]any{"n": 1}, ""))
	assert.True(t, resumer.resumed)
}

func TestExpireBatchResumesParentFailed(t *testing.T) {
	eng, store, runner, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a", "b"}, 2, false)
	ctx := context.Background()

	require.NoError(t, eng.ExpireBatch(ctx, batchID))

	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, models.BatchTimedOut, b.Status)

	require.True(t, resumer.resumed)
	assert.True(t, resumer.failed)
	assert.Len(t, resumer.cancelled, len(runner.created))

	// Already terminal: expiring again neither cancels nor resumes more
	resumer.resumed = false
	resumer.cancelled = nil
	require.NoError(t, eng.ExpireBatch(ctx, batchID))
	assert.False(t, resumer.resumed)
	assert.Empty(t, resumer.cancelled)
}

func TestCancelBatchDoesNotResumeParent(t *testing.T) {
	eng, store, runner, resumer := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a", "b"}, 2, false)
	ctx := context.Background()

	require.NoError(t, eng.CancelBatch(ctx, batchID, models.BatchCancelled))

	b, _ := store.GetBatch(ctx, batchID)
	assert.Equal(t, models.BatchCancelled, b.Status)
	assert.False(t, resumer.resumed)
	assert.Len(t, resumer.cancelled, len(runner.created))
}

func TestStartBatchRejectsExcessiveDepth(t *testing.T) {
	eng, store, _, _ := testSetup(t)
	parent := parentRun(store)
	parent.Depth = sdk.MaxDepth
	store.PutRun(parent)

	_, err := eng.StartBatch(context.Background(), parent, "fan", Config{
		Items:           []any{"a"},
		ChildWorkflowID: 2,
	})
	assert.ErrorIs(t, err, runs.ErrDepthExceeded)
}

func TestConcurrencyClampedToCap(t *testing.T) {
	eng, store, _, _ := testSetup(t)
	batchID, _ := startBatch(t, eng, store, []any{"a"}, sdk.MaxMapConcurrency*10, false)

	b, err := store.GetBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, sdk.MaxMapConcurrency, b.ConcurrencyLimit)
}

func TestChildCreateFailureRecordsFailedItem(t *testing.T) {
	eng, store, runner, resumer := testSetup(t)
	runner.failAll = true

	parent := parentRun(store)
	batchID, err := eng.StartBatch(context.Background(), parent, "fan", Config{
		Items:           []any{"a", "b"},
		ChildWorkflowID: 2,
		Concurrency:     2,
	})
	require.NoError(t, err)

	// Every spawn failed, so the batch settles immediately
	b, _ := store.GetBatch(context.Background(), batchID)
	assert.Equal(t, models.BatchCompleted, b.Status)
	assert.Equal(t, 2, b.FailedCount)
	require.True(t, resumer.resumed)
	assert.False(t, resumer.failed)
}
