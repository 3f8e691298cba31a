// Package graphcheck validates workflow graphs at the save/publish
// boundary. The orchestration engine assumes well-formedness at run
// time; a graph never reaches a version row without passing here.
package graphcheck

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/gridflow/common/sdk"
)

// Validate checks structural invariants: unique node ids, edges that
// resolve within the graph, router handle declarations, and acyclicity.
func Validate(g *sdk.Graph) error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	ids := make(map[string]*sdk.Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has empty id", i)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if !validKind(n.Type) {
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
		ids[n.ID] = n
	}

	for _, e := range g.Edges {
		src, ok := ids[e.Source]
		if !ok {
			return fmt.Errorf("edge source %q does not resolve", e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("edge target %q does not resolve", e.Target)
		}
		if src.Type == sdk.NodeRouter {
			if e.SourceHandle == "" {
				return fmt.Errorf("edge from router %q missing source_handle", e.Source)
			}
			if !routerDeclaresHandle(src, e.SourceHandle) {
				return fmt.Errorf("router %q does not declare handle %q", e.Source, e.SourceHandle)
			}
		}
	}

	if err := checkAcyclic(g); err != nil {
		return err
	}

	return nil
}

// ValidateJSON decodes and validates a raw graph blob
func ValidateJSON(raw json.RawMessage) (*sdk.Graph, error) {
	var g sdk.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := Validate(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

func validKind(k sdk.NodeKind) bool {
	switch k {
	case sdk.NodeHTTP, sdk.NodeCode, sdk.NodeDelay, sdk.NodeWebhookWait,
		sdk.NodeRouter, sdk.NodeLLM, sdk.NodeSubflow, sdk.NodeMap:
		return true
	}
	return false
}

// routerDeclaresHandle checks the handle against the router's condition
// ids and default output
func routerDeclaresHandle(n *sdk.Node, handle string) bool {
	if n.Config == nil {
		return false
	}
	if def, ok := n.Config["default_output"].(string); ok && def == handle {
		return true
	}
	conds, ok := n.Config["conditions"].([]any)
	if !ok {
		return false
	}
	for _, c := range conds {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := cm["id"].(string); ok && id == handle {
			return true
		}
	}
	return false
}

// checkAcyclic runs a three-color DFS over the static edge set
func checkAcyclic(g *sdk.Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("graph contains a cycle through %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
