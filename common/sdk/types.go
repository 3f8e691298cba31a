package sdk

import (
	"time"

	"github.com/google/uuid"
)

// NodeKind tags a node in a workflow graph with its executor
type NodeKind string

const (
	NodeHTTP        NodeKind = "HTTP"
	NodeCode        NodeKind = "CODE"
	NodeDelay       NodeKind = "DELAY"
	NodeWebhookWait NodeKind = "WEBHOOK_WAIT"
	NodeRouter      NodeKind = "ROUTER"
	NodeLLM         NodeKind = "LLM"
	NodeSubflow     NodeKind = "SUBFLOW"
	NodeMap         NodeKind = "MAP"
)

// Edge handles with conventional meaning
const (
	HandleSuccess = "success"
	HandleError   = "error"
)

// Limits shared across services
const (
	// MaxDepth bounds parent -> child run nesting (subflow and map children)
	MaxDepth = 10

	// InlineDelayThreshold is the largest delay executed inline by a worker.
	// Delays at or above this suspend and wake through the scheduler.
	InlineDelayThreshold = 60 * time.Second

	// DefaultWebhookTimeout applies when a webhook-wait node sets no timeout
	DefaultWebhookTimeout = 7 * 24 * time.Hour

	// MaxMapConcurrency caps the per-batch concurrency limit
	MaxMapConcurrency = 200

	// DefaultTaskDeadline bounds a single Execute invocation
	DefaultTaskDeadline = 5 * time.Minute
)

// Node is one typed step in a workflow graph
type Node struct {
	ID     string         `json:"id"`
	Type   NodeKind       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects two nodes. SourceHandle is required for router outputs
// and carries "success"/"error" for subflow and map nodes.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// Graph is the stored shape of a workflow: nodes plus directed edges.
// Metadata carries editor-level hints (e.g. an explicit output node).
type Graph struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NodeByID returns the node with the given id, or nil
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Outgoing returns all edges whose source is the given node
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns all edges whose target is the given node
func (g *Graph) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// EntryNodes returns nodes with no incoming edges, in graph order.
// These form the initial frontier of a run.
func (g *Graph) EntryNodes() []Node {
	hasIn := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		hasIn[e.Target] = true
	}
	var entries []Node
	for _, n := range g.Nodes {
		if !hasIn[n.ID] {
			entries = append(entries, n)
		}
	}
	return entries
}

// SinkNodes returns nodes with no outgoing edges
func (g *Graph) SinkNodes() []Node {
	hasOut := make(map[string]bool, len(g.Nodes))
	for _, e := range g.Edges {
		hasOut[e.Source] = true
	}
	var sinks []Node
	for _, n := range g.Nodes {
		if !hasOut[n.ID] {
			sinks = append(sinks, n)
		}
	}
	return sinks
}

// OutputNodeID returns the explicit output node from graph metadata, if set
func (g *Graph) OutputNodeID() string {
	if g.Metadata == nil {
		return ""
	}
	if id, ok := g.Metadata["output_node"].(string); ok {
		return id
	}
	return ""
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Trigger records what started a run
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
	TriggerCron    Trigger = "cron"
	TriggerReplay  Trigger = "replay"
	TriggerSubflow Trigger = "subflow"
	TriggerMap     Trigger = "map"
)

// NodeTask is the dispatch queue envelope. The queue is not authoritative:
// re-enqueue from the event log must be safe, idempotency defends duplicates.
type NodeTask struct {
	RunID      uuid.UUID `json:"run_id"`
	NodeID     string    `json:"node_id"`
	NodeType   NodeKind  `json:"node_type"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"deadline,omitempty"`
}
