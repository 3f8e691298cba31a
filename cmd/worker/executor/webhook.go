package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

// WebhookWaitExecutor suspends the run on an unguessable single-use
// token until an external caller posts it back or the timeout fires.
type WebhookWaitExecutor struct {
	log *logger.Logger
}

// NewWebhookWaitExecutor creates the webhook-wait executor
func NewWebhookWaitExecutor(log *logger.Logger) *WebhookWaitExecutor {
	return &WebhookWaitExecutor{log: log}
}

// Kind returns the node type tag
func (e *WebhookWaitExecutor) Kind() sdk.NodeKind {
	return sdk.NodeWebhookWait
}

type webhookConfig struct {
	Timeout float64 `json:"timeout_ms"`
}

// Execute mints the token and suspends
func (e *WebhookWaitExecutor) Execute(ctx context.Context, t *Task) (*sdk.Outcome, error) {
	var cfg webhookConfig
	if err := decodeConfig(t.Config, &cfg); err != nil {
		return sdk.Failed(sdk.ErrPermanent, err.Error(), false), nil
	}

	timeout := sdk.DefaultWebhookTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate resume token: %w", err)
	}

	return sdk.SuspendedWebhook(token, time.Now().Add(timeout)), nil
}

// newToken returns 32 hex chars of crypto randomness
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
