package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/gridflow/common/config"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/redis"
	"github.com/lyzr/gridflow/common/sdk"
)

const taskField = "task"

// RedisQueue dispatches tasks through a Redis stream with a consumer
// group. Unacked messages are reclaimed after the visibility timeout.
type RedisQueue struct {
	client  *redis.Client
	stream  string
	group   string
	visible time.Duration
	block   time.Duration
	log     *logger.Logger
}

// NewRedisQueue creates the queue and ensures the consumer group exists
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg *config.Config, log *logger.Logger) (*RedisQueue, error) {
	q := &RedisQueue{
		client:  client,
		stream:  cfg.Queue.TaskStream,
		group:   cfg.Queue.ConsumerGroup,
		visible: cfg.Queue.VisibilityTimeout,
		block:   cfg.Queue.BlockTime,
		log:     log,
	}

	if err := client.CreateStreamGroup(ctx, q.stream, q.group); err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return q, nil
}

// Enqueue pushes a task onto the stream
func (q *RedisQueue) Enqueue(ctx context.Context, task *sdk.NodeTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	id, err := q.client.AddToStream(ctx, q.stream, map[string]interface{}{
		taskField: string(data),
	})
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	q.log.Debug("task enqueued",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"message_id", id,
	)
	return nil
}

// Consume reads tasks for this consumer until ctx is cancelled. Each
// loop also reclaims messages another consumer held past the visibility
// timeout, which is the redelivery path for crashed workers.
func (q *RedisQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	q.log.Info("consuming dispatch queue",
		"stream", q.stream,
		"group", q.group,
		"consumer", consumer,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := q.client.AutoClaimStream(ctx, q.stream, q.group, consumer, q.visible, 16)
		if err == nil {
			for _, msg := range claimed {
				q.dispatch(ctx, consumer, msg, handler)
			}
		}

		streams, err := q.client.ReadFromStreamGroup(ctx, q.group, consumer, q.stream, 16, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("queue read failed, backing off", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				q.dispatch(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) dispatch(ctx context.Context, consumer string, msg goredis.XMessage, handler Handler) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		q.log.Warn("malformed queue message, acking", "message_id", msg.ID)
		_ = q.client.AckStreamMessage(ctx, q.stream, q.group, msg.ID)
		return
	}

	var task sdk.NodeTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.log.Warn("undecodable task, acking", "message_id", msg.ID, "error", err)
		_ = q.client.AckStreamMessage(ctx, q.stream, q.group, msg.ID)
		return
	}

	if err := handler(ctx, &task); err != nil {
		// Leave pending; redelivered after the visibility timeout
		q.log.Warn("task handler failed, leaving for redelivery",
			"run_id", task.RunID,
			"node_id", task.NodeID,
			"error", err,
		)
		return
	}

	if err := q.client.AckStreamMessage(ctx, q.stream, q.group, msg.ID); err != nil {
		q.log.Warn("ack failed", "message_id", msg.ID, "error", err)
	}
}

// Close is a no-op; the Redis client is owned by bootstrap
func (q *RedisQueue) Close() error {
	return nil
}
