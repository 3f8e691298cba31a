package engine

import (
	"encoding/json"

	"github.com/lyzr/gridflow/common/models"
	"github.com/lyzr/gridflow/common/sdk"
)

// NodeStatus is a node's position in its lifecycle, derived from the log
type NodeStatus string

const (
	NodeScheduled NodeStatus = "scheduled"
	NodeStarted   NodeStatus = "started"
	NodeSuspended NodeStatus = "suspended"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// Terminal reports whether the node finished
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed
}

// RunState is the projection of a run's event log: node statuses,
// outputs and errors. Folding the log in id order reproduces it
// deterministically at any time.
type RunState struct {
	Nodes   map[string]NodeStatus
	Outputs map[string]any
	Errors  map[string]string
	// Retries tracks the highest retry_count started per node, which is
	// the retry_count a resume must use on the terminal event
	Retries     map[string]int
	RunTerminal bool
	RunStatus   sdk.RunStatus
}

// Fold replays a run's events in order
func Fold(events []models.RunEvent) *RunState {
	st := &RunState{
		Nodes:   make(map[string]NodeStatus),
		Outputs: make(map[string]any),
		Errors:  make(map[string]string),
		Retries: make(map[string]int),
	}

	for _, ev := range events {
		switch ev.EventType {
		case sdk.EventNodeScheduled:
			if !st.Nodes[ev.NodeID].Terminal() {
				st.Nodes[ev.NodeID] = NodeScheduled
			}
		case sdk.EventNodeStarted:
			if !st.Nodes[ev.NodeID].Terminal() {
				st.Nodes[ev.NodeID] = NodeStarted
			}
			if ev.RetryCount > st.Retries[ev.NodeID] {
				st.Retries[ev.NodeID] = ev.RetryCount
			}
		case sdk.EventNodeSuspended:
			if !st.Nodes[ev.NodeID].Terminal() {
				st.Nodes[ev.NodeID] = NodeSuspended
			}
		case sdk.EventNodeResumed:
			if !st.Nodes[ev.NodeID].Terminal() {
				st.Nodes[ev.NodeID] = NodeStarted
			}
		case sdk.EventNodeRetried:
			// Waiting for the retry dispatch; not terminal
			if !st.Nodes[ev.NodeID].Terminal() {
				st.Nodes[ev.NodeID] = NodeScheduled
			}
		case sdk.EventNodeCompleted:
			st.Nodes[ev.NodeID] = NodeCompleted
			if len(ev.Payload) > 0 {
				var out any
				if err := json.Unmarshal(ev.Payload, &out); err == nil {
					st.Outputs[ev.NodeID] = out
				}
			}
		case sdk.EventNodeFailed:
			st.Nodes[ev.NodeID] = NodeFailed
			if len(ev.Payload) > 0 {
				var p struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal(ev.Payload, &p); err == nil {
					st.Errors[ev.NodeID] = p.Message
				}
			}
		case sdk.EventRunCompleted:
			st.RunTerminal = true
			st.RunStatus = sdk.RunCompleted
		case sdk.EventRunFailed:
			st.RunTerminal = true
			st.RunStatus = sdk.RunFailed
		case sdk.EventRunCancelled:
			st.RunTerminal = true
			st.RunStatus = sdk.RunCancelled
		}
	}
	return st
}

// Visited reports whether the node was ever scheduled in this run.
// Joins wait only for visited predecessors: a router that skips a
// branch leaves its nodes unvisited, and downstream joins ignore them.
func (st *RunState) Visited(nodeID string) bool {
	_, ok := st.Nodes[nodeID]
	return ok
}

// MatchedOutputs returns a router node's matched handle set
func (st *RunState) MatchedOutputs(nodeID string) []string {
	out, ok := st.Outputs[nodeID].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := out["matched_outputs"].([]any)
	if !ok {
		return nil
	}
	matched := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			matched = append(matched, s)
		}
	}
	return matched
}

// AllSettled reports whether every visited node reached a terminal state
func (st *RunState) AllSettled() bool {
	for _, status := range st.Nodes {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

// Successors computes the next frontier after nodeID terminaled. When
// failed is true only error-handle edges are followed (the
// error-continuation path); otherwise router nodes follow their matched
// handles and every other node follows its success/unlabelled edges.
// A target is enabled once all its visited predecessors have terminaled.
func Successors(g *sdk.Graph, st *RunState, nodeID string, failed bool) []sdk.Node {
	node := g.NodeByID(nodeID)
	if node == nil {
		return nil
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, e := range g.Outgoing(nodeID) {
		if !edgeFollowed(node, st, e, failed) {
			continue
		}
		if !seen[e.Target] {
			seen[e.Target] = true
			candidates = append(candidates, e.Target)
		}
	}

	var enabled []sdk.Node
	for _, target := range candidates {
		if st.Visited(target) {
			continue
		}
		if !joinReady(g, st, target) {
			continue
		}
		if n := g.NodeByID(target); n != nil {
			enabled = append(enabled, *n)
		}
	}
	return enabled
}

func edgeFollowed(source *sdk.Node, st *RunState, e sdk.Edge, failed bool) bool {
	if failed {
		return e.SourceHandle == sdk.HandleError
	}
	if source.Type == sdk.NodeRouter {
		for _, h := range st.MatchedOutputs(source.ID) {
			if e.SourceHandle == h {
				return true
			}
		}
		return false
	}
	return e.SourceHandle == "" || e.SourceHandle == sdk.HandleSuccess
}

// joinReady checks "all required inputs ready": every visited
// predecessor of target must have terminaled
func joinReady(g *sdk.Graph, st *RunState, target string) bool {
	for _, e := range g.Incoming(target) {
		if st.Visited(e.Source) && !st.Nodes[e.Source].Terminal() {
			return false
		}
	}
	return true
}

// AggregateOutput builds the run's final output: the explicit output
// node's result when graph metadata names one, else the full output map
// from the log keyed by node id.
func AggregateOutput(g *sdk.Graph, st *RunState) map[string]any {
	if sink := g.OutputNodeID(); sink != "" {
		if out, ok := st.Outputs[sink]; ok {
			if m, ok := out.(map[string]any); ok {
				return m
			}
			return map[string]any{"output": out}
		}
	}
	return st.Outputs
}
