package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateComparisons(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	cases := []struct {
		expr  string
		value any
		want  bool
	}{
		{"value < 300", 200, true},
		{"value < 300", 500, false},
		{"value == 'approved'", "approved", true},
		{"value == 'approved'", "rejected", false},
		{"value >= 100 && value < 200", 150, true},
		{"value.status == 'ok'", map[string]any{"status": "ok"}, true},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, tc.value)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, "%s with %v", tc.expr, tc.value)
	}
}

func TestEvaluateCompileErrorIsError(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate("value <<", 1)
	assert.Error(t, err)
}

func TestEvaluateNonBooleanIsError(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate("value + 1", 1)
	assert.Error(t, err)
}

func TestProgramCacheReturnsSameResult(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate("value > 10", 11)
		require.NoError(t, err)
		assert.True(t, got)
	}
}
