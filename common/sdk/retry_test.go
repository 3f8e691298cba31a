package sdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyForOnlyTransientKindsRetry(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, PolicyFor(NodeHTTP).MaxRetries)
	assert.Equal(t, DefaultMaxRetries, PolicyFor(NodeLLM).MaxRetries)

	for _, kind := range []NodeKind{NodeCode, NodeDelay, NodeWebhookWait, NodeRouter, NodeSubflow, NodeMap} {
		assert.Equal(t, 0, PolicyFor(kind).MaxRetries, string(kind))
	}
}

func TestPolicyForNodeHonorsOverride(t *testing.T) {
	n := &Node{ID: "a", Type: NodeHTTP, Config: map[string]any{"max_retries": float64(7)}}
	assert.Equal(t, 7, PolicyForNode(n).MaxRetries)

	// Zero disables retries even for retryable kinds
	n.Config["max_retries"] = float64(0)
	assert.Equal(t, 0, PolicyForNode(n).MaxRetries)

	// A CODE node can opt into retries
	code := &Node{ID: "b", Type: NodeCode, Config: map[string]any{"max_retries": float64(2)}}
	assert.Equal(t, 2, PolicyForNode(code).MaxRetries)

	// Missing config falls back to the kind default
	assert.Equal(t, DefaultMaxRetries, PolicyForNode(&Node{ID: "c", Type: NodeHTTP}).MaxRetries)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		base := time.Duration(1<<uint(attempt)) * time.Second
		for i := 0; i < 20; i++ {
			d := Backoff(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+500*time.Millisecond)
		}
	}

	// Negative and oversized attempts are clamped
	assert.GreaterOrEqual(t, Backoff(-1), time.Second)
	assert.Less(t, Backoff(100), 1025*time.Second)
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422, 501} {
		assert.False(t, RetryableStatus(code), code)
	}
}
