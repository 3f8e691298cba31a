package executor

import (
	"context"
	"time"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

// DelayExecutor sleeps inline for short delays and suspends through the
// scheduler for long ones. Worker slots are precious; a long sleep must
// not hold one.
type DelayExecutor struct {
	log *logger.Logger
}

// NewDelayExecutor creates the delay executor
func NewDelayExecutor(log *logger.Logger) *DelayExecutor {
	return &DelayExecutor{log: log}
}

// Kind returns the node type tag
func (e *DelayExecutor) Kind() sdk.NodeKind {
	return sdk.NodeDelay
}

type delayConfig struct {
	DurationMs float64 `json:"duration_ms"`
	Duration   string  `json:"duration"`
}

// Execute sleeps or suspends. A delay of exactly the inline threshold
// takes the suspended path.
func (e *DelayExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg delayConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}

	d, err := parseDuration(cfg.DurationMs, cfg.Duration)
	if err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}
	if d < 0 {
		d = 0
	}

	if d >= sdk.InlineDelayThreshold {
		return sdk.SuspendedDelay(time.Now().Add(d)), nil
	}

	select {
	case <-time.After(d):
		return sdk.Completed(map[string]any{"delayed_ms": d.Milliseconds()}), nil
	case <-ctx.Done():
		return sdk.Failed(sdk.ErrCancelled, "delay cancelled", false), nil
	}
}
