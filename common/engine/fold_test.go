package engine

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
)

func ev(runID uuid.UUID, nodeID string, t sdk.EventType, payload string, retry int) models.RunEvent {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return models.RunEvent{RunID: runID, NodeID: nodeID, EventType: t, Payload: raw, RetryCount: retry}
}

func TestFoldProjectsNodeLifecycle(t *testing.T) {
	runID := uuid.New()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{"value":1}`, 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeStarted, "", 0),
	})

	assert.Equal(t, NodeCompleted, st.Nodes["a"])
	assert.Equal(t, NodeStarted, st.Nodes["b"])
	assert.Equal(t, map[string]any{"value": float64(1)}, st.Outputs["a"])
	assert.False(t, st.AllSettled())
	assert.False(t, st.RunTerminal)
}

func TestFoldFailureCapturesMessage(t *testing.T) {
	runID := uuid.New()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 0),
		ev(runID, "a", sdk.EventNodeFailed, `{"error_kind":"transport","message":"connection refused"}`, 0),
		ev(runID, "", sdk.EventRunFailed, `{"node_id":"a"}`, 0),
	})

	assert.Equal(t, NodeFailed, st.Nodes["a"])
	assert.Equal(t, "connection refused", st.Errors["a"])
	assert.True(t, st.RunTerminal)
	assert.Equal(t, sdk.RunFailed, st.RunStatus)
}

func TestFoldTracksHighestRetry(t *testing.T) {
	runID := uuid.New()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 0),
		ev(runID, "a", sdk.EventNodeRetried, `{"attempt":1}`, 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 1),
		ev(runID, "a", sdk.EventNodeRetried, `{"attempt":2}`, 1),
		ev(runID, "a", sdk.EventNodeStarted, "", 2),
	})

	assert.Equal(t, 2, st.Retries["a"])
	assert.Equal(t, NodeStarted, st.Nodes["a"])
}

func TestFoldTerminalWinsOverLateEvents(t *testing.T) {
	// A late NODE_STARTED from a duplicate delivery must not demote a
	// terminaled node
	runID := uuid.New()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{"ok":true}`, 0),
		ev(runID, "a", sdk.EventNodeStarted, "", 0),
	})

	assert.Equal(t, NodeCompleted, st.Nodes["a"])
	assert.True(t, st.AllSettled())
}

func TestFoldSuspendResume(t *testing.T) {
	runID := uuid.New()
	st := Fold([]models.RunEvent{
		ev(runID, "wait", sdk.EventNodeScheduled, "", 0),
		ev(runID, "wait", sdk.EventNodeStarted, "", 0),
		ev(runID, "wait", sdk.EventNodeSuspended, `{"reason":"WEBHOOK"}`, 0),
	})
	assert.Equal(t, NodeSuspended, st.Nodes["wait"])
	assert.False(t, st.AllSettled())

	st = Fold([]models.RunEvent{
		ev(runID, "wait", sdk.EventNodeScheduled, "", 0),
		ev(runID, "wait", sdk.EventNodeStarted, "", 0),
		ev(runID, "wait", sdk.EventNodeSuspended, `{"reason":"WEBHOOK"}`, 0),
		ev(runID, "wait", sdk.EventNodeResumed, `{"resumed":true}`, 0),
		ev(runID, "wait", sdk.EventNodeCompleted, `{"resumed":true}`, 0),
	})
	assert.Equal(t, NodeCompleted, st.Nodes["wait"])
}

func linearGraph() *sdk.Graph {
	return &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "a", Type: sdk.NodeHTTP},
			{ID: "b", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{{Source: "a", Target: "b"}},
	}
}

func TestSuccessorsFollowsUnlabelledEdges(t *testing.T) {
	runID := uuid.New()
	g := linearGraph()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{}`, 0),
	})

	next := Successors(g, st, "a", false)
	require.Len(t, next, 1)
	assert.Equal(t, "b", next[0].ID)
}

func TestSuccessorsOnFailureOnlyErrorHandle(t *testing.T) {
	runID := uuid.New()
	g := &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "a", Type: sdk.NodeHTTP},
			{ID: "ok", Type: sdk.NodeCode},
			{ID: "recover", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{
			{Source: "a", Target: "ok", SourceHandle: sdk.HandleSuccess},
			{Source: "a", Target: "recover", SourceHandle: sdk.HandleError},
		},
	}
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeFailed, `{"message":"boom"}`, 0),
	})

	next := Successors(g, st, "a", true)
	require.Len(t, next, 1)
	assert.Equal(t, "recover", next[0].ID)

	// Without an error edge, failure enables nothing
	g.Edges = g.Edges[:1]
	assert.Empty(t, Successors(g, st, "a", true))
}

func TestSuccessorsRouterFollowsMatchedHandles(t *testing.T) {
	runID := uuid.New()
	g := &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "r", Type: sdk.NodeRouter},
			{ID: "hot", Type: sdk.NodeCode},
			{ID: "cold", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{
			{Source: "r", Target: "hot", SourceHandle: "is_hot"},
			{Source: "r", Target: "cold", SourceHandle: "is_cold"},
		},
	}
	st := Fold([]models.RunEvent{
		ev(runID, "r", sdk.EventNodeScheduled, "", 0),
		ev(runID, "r", sdk.EventNodeCompleted, `{"matched_outputs":["is_hot"]}`, 0),
	})

	next := Successors(g, st, "r", false)
	require.Len(t, next, 1)
	assert.Equal(t, "hot", next[0].ID)
}

func TestSuccessorsJoinWaitsForVisitedPredecessors(t *testing.T) {
	runID := uuid.New()
	g := &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "a", Type: sdk.NodeCode},
			{ID: "b", Type: sdk.NodeCode},
			{ID: "join", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
		},
	}

	// a done, b still running: join is held back
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeStarted, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{}`, 0),
	})
	assert.Empty(t, Successors(g, st, "a", false))

	// b settles: whichever terminals last enables the join
	st = Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{}`, 0),
		ev(runID, "b", sdk.EventNodeCompleted, `{}`, 0),
	})
	next := Successors(g, st, "b", false)
	require.Len(t, next, 1)
	assert.Equal(t, "join", next[0].ID)
}

func TestSuccessorsJoinIgnoresUnvisitedBranch(t *testing.T) {
	// A router skipped branch b; join must not wait for it
	runID := uuid.New()
	g := &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "r", Type: sdk.NodeRouter},
			{ID: "a", Type: sdk.NodeCode},
			{ID: "b", Type: sdk.NodeCode},
			{ID: "join", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{
			{Source: "r", Target: "a", SourceHandle: "left"},
			{Source: "r", Target: "b", SourceHandle: "right"},
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
		},
	}
	st := Fold([]models.RunEvent{
		ev(runID, "r", sdk.EventNodeScheduled, "", 0),
		ev(runID, "r", sdk.EventNodeCompleted, `{"matched_outputs":["left"]}`, 0),
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{}`, 0),
	})

	next := Successors(g, st, "a", false)
	require.Len(t, next, 1)
	assert.Equal(t, "join", next[0].ID)
}

func TestSuccessorsSkipsVisitedTargets(t *testing.T) {
	runID := uuid.New()
	g := linearGraph()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{}`, 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
	})

	// b already scheduled: a duplicate advance must not enqueue it again
	assert.Empty(t, Successors(g, st, "a", false))
}

func TestAggregateOutputFullMap(t *testing.T) {
	runID := uuid.New()
	g := linearGraph()
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{"status":200}`, 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeCompleted, `{"result":42}`, 0),
	})

	out := AggregateOutput(g, st)
	assert.Len(t, out, 2)
	assert.Equal(t, map[string]any{"result": float64(42)}, out["b"])
}

func TestAggregateOutputExplicitOutputNode(t *testing.T) {
	runID := uuid.New()
	g := linearGraph()
	g.Metadata = map[string]any{"output_node": "b"}
	st := Fold([]models.RunEvent{
		ev(runID, "a", sdk.EventNodeScheduled, "", 0),
		ev(runID, "a", sdk.EventNodeCompleted, `{"status":200}`, 0),
		ev(runID, "b", sdk.EventNodeScheduled, "", 0),
		ev(runID, "b", sdk.EventNodeCompleted, `{"result":42}`, 0),
	})

	out := AggregateOutput(g, st)
	assert.Equal(t, map[string]any{"result": float64(42)}, out)
}
