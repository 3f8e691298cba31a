package cronplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextUTC(t *testing.T) {
	after := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next)
}

func TestNextEveryFiveMinutes(t *testing.T) {
	after := time.Date(2026, 3, 10, 8, 31, 0, 0, time.UTC)
	next, err := Next("*/5 * * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 35, 0, 0, time.UTC), next)
}

func TestNextInTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 9am Eastern on a Monday; after is mid-Sunday UTC
	after := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * 1", "America/New_York", after)
	require.NoError(t, err)

	local := next.In(loc)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, time.Monday, local.Weekday())
}

func TestNextRejectsBadExpression(t *testing.T) {
	_, err := Next("not a cron", "", time.Now())
	assert.Error(t, err)

	_, err = Next("0 9 * * *", "Mars/Olympus", time.Now())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("30 6 * * 1-5", "Europe/Berlin"))
	assert.Error(t, Validate("99 99 * * *", ""))
}
