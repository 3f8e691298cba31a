package sdk

import (
	"math/rand"
	"time"
)

// DefaultMaxRetries applies to node kinds that retry at all
const DefaultMaxRetries = 3

// RetryPolicy bounds automatic retries for one node
type RetryPolicy struct {
	MaxRetries int
}

// PolicyFor returns the per-kind default retry policy. Only kinds whose
// failures are plausibly transient retry; the rest fail on first error.
func PolicyFor(kind NodeKind) RetryPolicy {
	switch kind {
	case NodeHTTP, NodeLLM:
		return RetryPolicy{MaxRetries: DefaultMaxRetries}
	default:
		return RetryPolicy{MaxRetries: 0}
	}
}

// PolicyForNode returns the node's retry policy, honoring a per-node
// max_retries override in its config
func PolicyForNode(n *Node) RetryPolicy {
	p := PolicyFor(n.Type)
	if n.Config != nil {
		if v, ok := n.Config["max_retries"].(float64); ok && v >= 0 {
			p.MaxRetries = int(v)
		}
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// 2^attempt seconds plus up to 500ms of jitter
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	base := time.Duration(1<<uint(attempt)) * time.Second
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

// RetryableStatus reports whether an HTTP status is worth retrying
func RetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
