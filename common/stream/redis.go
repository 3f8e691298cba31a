package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/redis"
)

// ChunkStore persists chunks for later replay. Optional.
type ChunkStore interface {
	SaveChunk(ctx context.Context, runID uuid.UUID, chunkType, nodeID string, payload []byte) error
}

// ChannelFor returns the pub/sub channel carrying a run's live chunks
func ChannelFor(runID uuid.UUID) string {
	return fmt.Sprintf("run:%s:chunks", runID)
}

// RedisPublisher fans chunks out three ways: a pub/sub channel for live
// SSE subscribers, a stream for decoupled consumers, and an optional
// database copy for replay. All three are best-effort.
type RedisPublisher struct {
	client *redis.Client
	stream string
	store  ChunkStore
	log    *logger.Logger
}

// NewRedisPublisher creates a publisher. store may be nil to skip
// persistence.
func NewRedisPublisher(client *redis.Client, streamName string, store ChunkStore, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		stream: streamName,
		store:  store,
		log:    log,
	}
}

// Publish sends a chunk. Failures are logged, never returned: a lost
// chunk must not fail the node that produced it.
func (p *RedisPublisher) Publish(ctx context.Context, runID uuid.UUID, chunk Chunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		p.log.Warn("chunk marshal failed", "run_id", runID, "error", err)
		return
	}

	if err := p.client.PublishEvent(ctx, ChannelFor(runID), string(data)); err != nil {
		p.log.Debug("chunk publish failed", "run_id", runID, "error", err)
	}

	if _, err := p.client.AddToStream(ctx, p.stream, map[string]interface{}{
		"run_id": runID.String(),
		"chunk":  string(data),
	}); err != nil {
		p.log.Debug("chunk stream append failed", "run_id", runID, "error", err)
	}

	if p.store != nil {
		if err := p.store.SaveChunk(ctx, runID, chunk.Type, chunk.NodeID, data); err != nil {
			p.log.Debug("chunk persist failed", "run_id", runID, "error", err)
		}
	}
}

// Close is a no-op; the Redis client is owned by bootstrap
func (p *RedisPublisher) Close() error {
	return nil
}
