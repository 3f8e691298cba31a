package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/redis"
)

// CancelChannelPrefix is the pub/sub namespace for cancel broadcasts;
// workers pattern-subscribe to it to interrupt in-flight executions
const CancelChannelPrefix = "cancel:"

// RedisCancelNotifier broadcasts run cancellation over pub/sub
type RedisCancelNotifier struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewRedisCancelNotifier creates the notifier
func NewRedisCancelNotifier(r *redis.Client, log *logger.Logger) *RedisCancelNotifier {
	return &RedisCancelNotifier{redis: r, log: log}
}

// NotifyCancel publishes the cancel broadcast
func (n *RedisCancelNotifier) NotifyCancel(ctx context.Context, runID uuid.UUID) {
	if err := n.redis.PublishEvent(ctx, CancelChannelPrefix+runID.String(), "cancelled"); err != nil {
		n.log.Warn("failed publishing cancel", "run_id", runID, "error", err)
	}
}
