// Package scheduler runs durable scheduled tasks: cron, fixed interval,
// and one-shot timers owned by workspace folders.
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ValidateSchedule checks a (type, value) pair without computing anything.
func ValidateSchedule(scheduleType, value string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid interval %q: want positive milliseconds", value)
		}
	case store.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// NextRun computes the run following `from` for a schedule. Computing from
// the current time after a missed window yields exactly one catch-up run
// for interval and once schedules, and the next matching tick for cron.
// A one-shot whose time has passed fires immediately; after it has run it
// returns nil.
func NextRun(scheduleType, value string, from time.Time, loc *time.Location, hasRun bool) (*time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(value, from.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", value, err)
		}
		next = next.UTC()
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", value)
		}
		next := from.Add(time.Duration(ms) * time.Millisecond).UTC()
		return &next, nil
	case store.ScheduleOnce:
		if hasRun {
			return nil, nil
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
		at = at.UTC()
		return &at, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
