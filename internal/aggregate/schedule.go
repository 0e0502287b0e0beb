// Package aggregate is the retention and aggregation subsystem: a
// clock scheduler firing daily, weekly, and monthly jobs; detectors
// that compact the raw bucket into pre-aggregated measurements; a
// persisted job state machine with advisory locks; and the catalog
// tombstone purge.
package aggregate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job kinds.
const (
	KindDaily   = "daily"
	KindWeekly  = "weekly"
	KindMonthly = "monthly"
)

// clockSpec is a local-time "HH:MM" firing time.
type clockSpec struct {
	hour   int
	minute int
}

func parseClockSpec(s string) (clockSpec, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return clockSpec{}, fmt.Errorf("clock spec %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return clockSpec{}, fmt.Errorf("clock spec %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return clockSpec{}, fmt.Errorf("clock spec %q: bad minute", s)
	}
	return clockSpec{hour: h, minute: m}, nil
}

// nextRun computes the next firing instant for a job kind strictly
// after now, in now's location. Weekly jobs fire on Sundays, monthly
// jobs on the first of the month.
func nextRun(kind string, spec clockSpec, now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), spec.hour, spec.minute, 0, 0, now.Location())

	switch kind {
	case KindDaily:
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at

	case KindWeekly:
		for at.Weekday() != time.Sunday || !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at

	case KindMonthly:
		at = time.Date(now.Year(), now.Month(), 1, spec.hour, spec.minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 1, 0)
		}
		return at

	default:
		return at.AddDate(0, 0, 1)
	}
}
