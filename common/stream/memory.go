package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryPublisher collects chunks in memory for tests
type MemoryPublisher struct {
	mu     sync.Mutex
	chunks map[uuid.UUID][]Chunk
}

// NewMemoryPublisher creates an in-memory chunk sink
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		chunks: make(map[uuid.UUID][]Chunk),
	}
}

// Publish records the chunk
func (p *MemoryPublisher) Publish(_ context.Context, runID uuid.UUID, chunk Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks[runID] = append(p.chunks[runID], chunk)
}

// Chunks returns the chunks published for a run
func (p *MemoryPublisher) Chunks(runID uuid.UUID) []Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Chunk, len(p.chunks[runID]))
	copy(out, p.chunks[runID])
	return out
}

// Close is a no-op
func (p *MemoryPublisher) Close() error {
	return nil
}
