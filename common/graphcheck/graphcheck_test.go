package graphcheck

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/sdk"
)

func validGraph() *sdk.Graph {
	return &sdk.Graph{
		Nodes: []sdk.Node{
			{ID: "a", Type: sdk.NodeHTTP},
			{ID: "b", Type: sdk.NodeCode},
		},
		Edges: []sdk.Edge{{Source: "a", Target: "b"}},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	assert.NoError(t, Validate(validGraph()))
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	assert.Error(t, Validate(&sdk.Graph{}))
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	g := validGraph()
	g.Nodes = append(g.Nodes, sdk.Node{ID: "a", Type: sdk.NodeCode})
	err := Validate(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	g := validGraph()
	g.Nodes[0].Type = "TELEPORT"
	assert.Error(t, Validate(g))
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	g := validGraph()
	g.Edges = append(g.Edges, sdk.Edge{Source: "b", Target: "ghost"})
	err := Validate(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsCycle(t *testing.T) {
	g := validGraph()
	g.Edges = append(g.Edges, sdk.Edge{Source: "b", Target: "a"})
	err := Validate(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRouterHandles(t *testing.T) {
	router := sdk.Node{
		ID:   "route",
		Type: sdk.NodeRouter,
		Config: map[string]any{
			"conditions": []any{
				map[string]any{"id": "is_hot", "expression": "value > 30"},
			},
			"default_output": "otherwise",
		},
	}
	g := &sdk.Graph{
		Nodes: []sdk.Node{router, {ID: "hot", Type: sdk.NodeCode}, {ID: "rest", Type: sdk.NodeCode}},
		Edges: []sdk.Edge{
			{Source: "route", Target: "hot", SourceHandle: "is_hot"},
			{Source: "route", Target: "rest", SourceHandle: "otherwise"},
		},
	}
	assert.NoError(t, Validate(g))

	// A router edge must name a handle
	g.Edges[0].SourceHandle = ""
	assert.Error(t, Validate(g))

	// And the handle must be declared by the router config
	g.Edges[0].SourceHandle = "undeclared"
	assert.Error(t, Validate(g))
}

func TestValidateJSON(t *testing.T) {
	g, err := ValidateJSON(json.RawMessage(`{
		"nodes": [{"id": "a", "type": "HTTP"}],
		"edges": []
	}`))
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)

	_, err = ValidateJSON(json.RawMessage(`{not json`))
	assert.Error(t, err)

	_, err = ValidateJSON(json.RawMessage(`{"nodes":[],"edges":[]}`))
	assert.Error(t, err)
}
