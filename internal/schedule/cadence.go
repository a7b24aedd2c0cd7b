package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron plus descriptors like "@daily".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Next computes the earliest occurrence of c strictly after from, evaluated
// in loc. It is a pure function of its arguments so cadence math can be
// tested without touching the wall clock.
func Next(c Cadence, from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if c.IsCron() {
		sched, err := parseCron(c.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q has no future occurrence", c.CronExpr)
		}
		return next, nil
	}
	if c.IntervalValue <= 0 {
		return time.Time{}, errors.New("interval_value must be > 0")
	}
	return addInterval(from.In(loc), c.IntervalValue, c.IntervalUnit)
}

// NextFromSeed walks a fixed-interval cadence forward from its seed instant
// until the occurrence lands strictly after `after`. Cron cadences ignore
// the seed; the expression itself pins the calendar slots.
func NextFromSeed(c Cadence, seed, after time.Time, loc *time.Location) (time.Time, error) {
	if c.IsCron() {
		return Next(c, after, loc)
	}
	if loc == nil {
		loc = time.Local
	}
	t := seed.In(loc)
	if t.After(after) {
		return t, nil
	}
	// Walk in coarse steps rather than multiplying: month lengths vary.
	for i := 0; i < 1<<20; i++ {
		next, err := addInterval(t, c.IntervalValue, c.IntervalUnit)
		if err != nil {
			return time.Time{}, err
		}
		if !next.After(t) {
			return time.Time{}, fmt.Errorf("interval does not advance from %v", t)
		}
		t = next
		if t.After(after) {
			return t, nil
		}
	}
	return time.Time{}, errors.New("interval walk did not terminate")
}

func addInterval(t time.Time, value int, unit Unit) (time.Time, error) {
	switch unit {
	case UnitMinute:
		return t.Add(time.Duration(value) * time.Minute), nil
	case UnitHour:
		return t.Add(time.Duration(value) * time.Hour), nil
	case UnitDay:
		return t.AddDate(0, 0, value), nil
	case UnitWeek:
		return t.AddDate(0, 0, 7*value), nil
	case UnitMonth:
		return t.AddDate(0, value, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown interval unit %q", unit)
	}
}
