// Package cronplan computes cron fire times for scheduled workflows.
// Expressions use the standard 5-field form and are evaluated in the
// workflow's IANA timezone, so "0 9 * * 1" in America/New_York fires at
// 9am Eastern across DST transitions.
package cronplan

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Next returns the first fire time after the given instant
func Next(expr, tz string, after time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	return spec.Next(after.In(loc)), nil
}

// Validate checks an expression and timezone without computing a time
func Validate(expr, tz string) error {
	_, err := Next(expr, tz, time.Now())
	return err
}
