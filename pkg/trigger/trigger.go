// Package trigger computes next-fire-times for the three trigger kinds a
// schedule may carry: date, interval, and cron. NextFireTime is a pure
// function: identical inputs always give identical outputs, and jitter is
// applied by the caller (pkg/dispatch), never here.
package trigger

import (
	"fmt"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
	"github.com/robfig/cron/v3"
)

// cronParser accepts an optional leading seconds field alongside the
// standard five-field form.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextFireTime returns the next instant strictly after `after` at which t
// fires (a date trigger whose RunDate equals `after` returns RunDate), or
// nil if the trigger is exhausted (a date trigger already past, or an
// interval trigger past its end bound).
func NextFireTime(t types.Trigger, after time.Time) (*time.Time, error) {
	switch t.Kind {
	case types.TriggerDate:
		return nextDate(t, after), nil
	case types.TriggerInterval:
		return nextInterval(t, after)
	case types.TriggerCron:
		return nextCron(t, after)
	default:
		return nil, fmt.Errorf("trigger: unknown kind %q", t.Kind)
	}
}

// nextDate fires once: at RunDate, provided RunDate is not already behind
// `after`. A fire time exactly equal to `after` is still pending; once it
// has been consumed the caller sets NextFireTime to nil and never asks
// again.
func nextDate(t types.Trigger, after time.Time) *time.Time {
	if after.After(t.RunDate) {
		return nil
	}
	rd := t.RunDate
	return &rd
}

// nextInterval finds the smallest k>=1 such that start + k*period > after.
func nextInterval(t types.Trigger, after time.Time) (*time.Time, error) {
	if t.Period <= 0 {
		return nil, fmt.Errorf("trigger: interval period must be positive")
	}
	start := after
	if t.Start != nil {
		start = *t.Start
	}

	elapsed := after.Sub(start)
	var k int64
	if elapsed < 0 {
		k = 1
	} else {
		k = int64(elapsed/t.Period) + 1
	}

	next := start.Add(time.Duration(k) * t.Period)
	for !next.After(after) {
		k++
		next = start.Add(time.Duration(k) * t.Period)
	}

	if t.End != nil && next.After(*t.End) {
		return nil, nil
	}
	return &next, nil
}

func nextCron(t types.Trigger, after time.Time) (*time.Time, error) {
	schedule, err := cronParser.Parse(t.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("trigger: invalid cron expression %q: %w", t.CronExpr, err)
	}

	loc := time.UTC
	if t.Timezone != "" {
		l, err := time.LoadLocation(t.Timezone)
		if err != nil {
			return nil, fmt.Errorf("trigger: unknown timezone %q: %w", t.Timezone, err)
		}
		loc = l
	}

	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
