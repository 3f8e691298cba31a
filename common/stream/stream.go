// Package stream is the fire-and-forget progress channel back to the UI.
// Delivery is best-effort; the event log stays authoritative.
package stream

import (
	"context"

	"github.com/google/uuid"
)

// Chunk types
const (
	ChunkProgress = "progress"
	ChunkToken    = "token"
	ChunkComplete = "complete"
	ChunkError    = "error"
)

// Chunk is one progress/token message keyed by run
type Chunk struct {
	Type    string `json:"type"`
	NodeID  string `json:"node_id,omitempty"`
	Index   int    `json:"index,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// Publisher sinks chunks for a run. Implementations must never block a
// node on publish failure.
type Publisher interface {
	Publish(ctx context.Context, runID uuid.UUID, chunk Chunk)
	Close() error
}

// Progress builds a progress chunk
func Progress(nodeID, message string) Chunk {
	return Chunk{Type: ChunkProgress, NodeID: nodeID, Message: message}
}

// Token builds a token chunk
func Token(nodeID string, index int, content string) Chunk {
	return Chunk{Type: ChunkToken, NodeID: nodeID, Index: index, Content: content}
}

// Complete builds a completion chunk
func Complete(nodeID string) Chunk {
	return Chunk{Type: ChunkComplete, NodeID: nodeID}
}

// Error builds an error chunk
func Error(nodeID, message string) Chunk {
	return Chunk{Type: ChunkError, NodeID: nodeID, Message: message}
}
