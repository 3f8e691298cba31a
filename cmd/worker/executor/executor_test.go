package executor

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/gridflow/common/condition"
	"github.com/lyzr/gridflow/common/logger"
	"github.com/lyzr/gridflow/common/sdk"
)

var testLog = logger.New("error", "json")

func execTask(config map[string]any) *Task {
	return &Task{
		Node:     &sdk.Node{ID: "n1", Config: config},
		Config:   config,
		Deadline: time.Now().Add(time.Minute),
	}
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(NewDelayExecutor(testLog), NewWebhookWaitExecutor(testLog))

	ex, ok := r.For(sdk.NodeDelay)
	require.True(t, ok)
	assert.Equal(t, sdk.NodeDelay, ex.Kind())

	_, ok = r.For(sdk.NodeHTTP)
	assert.False(t, ok)
}

func TestDelayShortSleepsInline(t *testing.T) {
	e := NewDelayExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{"duration_ms": float64(10)}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, int64(10), out.Output["delayed_ms"])
}

func TestDelayAcceptsDurationString(t *testing.T) {
	e := NewDelayExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{"duration": "5ms"}))
	require.NoError(t, err)
	assert.Equal(t, sdk.OutcomeCompleted, out.Kind)

	out, err = e.Execute(context.Background(), execTask(map[string]any{"duration": "nonsense"}))
	require.NoError(t, err)
	assert.Equal(t, sdk.OutcomeFailed, out.Kind)
}

func TestDelayAtThresholdSuspends(t *testing.T) {
	e := NewDelayExecutor(testLog)

	cfg := map[string]any{"duration_ms": float64(sdk.InlineDelayThreshold.Milliseconds())}
	out, err := e.Execute(context.Background(), execTask(cfg))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeSuspended, out.Kind)
	assert.Equal(t, sdk.SuspendDelay, out.Reason)
	require.NotNil(t, out.WakeAt)
	assert.WithinDuration(t, time.Now().Add(sdk.InlineDelayThreshold), *out.WakeAt, 2*time.Second)
}

func TestDelayCancelled(t *testing.T) {
	e := NewDelayExecutor(testLog)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.Execute(ctx, execTask(map[string]any{"duration_ms": float64(5000)}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrCancelled, out.ErrorKind)
	assert.False(t, out.Retryable)
}

func TestWebhookWaitSuspendsWithToken(t *testing.T) {
	e := NewWebhookWaitExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeSuspended, out.Kind)
	assert.Equal(t, sdk.SuspendWebhook, out.Reason)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), out.Token)
	require.NotNil(t, out.WakeAt)
	assert.WithinDuration(t, time.Now().Add(sdk.DefaultWebhookTimeout), *out.WakeAt, 2*time.Second)
}

func TestWebhookWaitCustomTimeout(t *testing.T) {
	e := NewWebhookWaitExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{"timeout_ms": float64(60000)}))
	require.NoError(t, err)
	require.NotNil(t, out.WakeAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *out.WakeAt, 2*time.Second)
}

func TestWebhookWaitTokensAreUnique(t *testing.T) {
	e := NewWebhookWaitExecutor(testLog)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		out, err := e.Execute(context.Background(), execTask(map[string]any{}))
		require.NoError(t, err)
		assert.False(t, seen[out.Token])
		seen[out.Token] = true
	}
}

func newRouter(t *testing.T) *RouterExecutor {
	t.Helper()
	eval, err := condition.NewEvaluator()
	require.NoError(t, err)
	return NewRouterExecutor(eval, testLog)
}

func TestRouterFirstMatchStopsAtFirstTrue(t *testing.T) {
	e := newRouter(t)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"route_by": float64(250),
		"conditions": []any{
			map[string]any{"id": "small", "expression": "value < 300"},
			map[string]any{"id": "medium", "expression": "value < 1000"},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, []any{"small"}, out.Output["matched_outputs"])
	assert.Equal(t, float64(250), out.Output["value"])
}

func TestRouterBroadcastCollectsAllMatches(t *testing.T) {
	e := newRouter(t)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"route_by": float64(250),
		"mode":     "broadcast",
		"conditions": []any{
			map[string]any{"id": "small", "expression": "value < 300"},
			map[string]any{"id": "medium", "expression": "value < 1000"},
			map[string]any{"id": "huge", "expression": "value > 9000"},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{"small", "medium"}, out.Output["matched_outputs"])
}

func TestRouterDefaultOutputOnZeroMatches(t *testing.T) {
	e := newRouter(t)

	cfg := map[string]any{
		"route_by": "rejected",
		"conditions": []any{
			map[string]any{"id": "ok", "expression": "value == 'approved'"},
		},
		"default_output": "otherwise",
	}
	out, err := e.Execute(context.Background(), execTask(cfg))
	require.NoError(t, err)
	assert.Equal(t, []any{"otherwise"}, out.Output["matched_outputs"])

	// No default: zero matches completes with an empty set
	delete(cfg, "default_output")
	out, err = e.Execute(context.Background(), execTask(cfg))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Empty(t, out.Output["matched_outputs"])
}

func TestRouterBrokenExpressionFailsPermanently(t *testing.T) {
	e := newRouter(t)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"route_by": float64(1),
		"conditions": []any{
			map[string]any{"id": "bad", "expression": "value <<"},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrPermanent, out.ErrorKind)
	assert.False(t, out.Retryable)
}

func TestRouterUnknownModeFails(t *testing.T) {
	e := newRouter(t)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"route_by": float64(1),
		"mode":     "scatter",
	}))
	require.NoError(t, err)
	assert.Equal(t, sdk.OutcomeFailed, out.Kind)
}

func TestCodeReturnsObject(t *testing.T) {
	e := NewCodeExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"code":  "return { doubled: INPUT.n * 2 };",
		"input": map[string]any{"n": float64(21)},
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, float64(42), out.Output["doubled"])
}

func TestCodeScalarResultIsWrapped(t *testing.T) {
	e := NewCodeExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"code": "return 7;",
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeCompleted, out.Kind)
	assert.Equal(t, float64(7), out.Output["result"])
}

func TestCodeThrowFailsPermanently(t *testing.T) {
	e := NewCodeExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"code": "throw new Error('nope');",
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrPermanent, out.ErrorKind)
	assert.Contains(t, out.Message, "nope")
}

func TestCodeTimeBudget(t *testing.T) {
	e := NewCodeExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{
		"code":       "while (true) {}",
		"timeout_ms": float64(50),
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.OutcomeFailed, out.Kind)
	assert.Equal(t, sdk.ErrTimeout, out.ErrorKind)
}

func TestCodeEmptyScriptFails(t *testing.T) {
	e := NewCodeExecutor(testLog)

	out, err := e.Execute(context.Background(), execTask(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, sdk.OutcomeFailed, out.Kind)
}
