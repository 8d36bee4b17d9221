// Package trigger decides when clock-driven jobs become due.
//
// Recurring triggers are day-scoped: a job with a start time and a
// frequency fires at start, start+freq, start+2*freq ... and stops at local
// midnight (or the job's end time), re-arming at the next allowed day's
// start. This keeps drift from accumulating across day boundaries.
//
// Occurrences missed while the scheduler was down are skipped: Next is
// always computed forward from the current wall clock, never replayed.
package trigger

import (
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"procman/internal/job"
)

// Evaluator translates schedule specifications into "due at" instants.
// It is stateless apart from a cache of parsed cron expressions.
type Evaluator struct {
	parser cron.Parser

	mu    sync.Mutex
	crons map[string]cron.Schedule
}

func New() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		crons:  map[string]cron.Schedule{},
	}
}

// Next returns the next instant strictly after `after` at which the spec's
// clock trigger fires. The zero time means the job has no clock trigger
// (pure dependency-triggered tasks).
func (e *Evaluator) Next(sp *job.Spec, after time.Time) time.Time {
	if sp.Cron != "" {
		return e.nextCron(sp, after)
	}
	if sp.Start == nil && sp.Frequency <= 0 {
		return time.Time{}
	}

	loc := sp.Location()
	t := after.In(loc)

	// Scan forward day by day. Eight days covers any day-of-week window.
	for i := 0; i < 8; i++ {
		date := t.AddDate(0, 0, i)
		if !sp.AllowsDay(date.Weekday()) {
			continue
		}
		if due := e.nextOnDay(sp, date, after); !due.IsZero() {
			return due
		}
	}
	return time.Time{}
}

// nextOnDay finds the first occurrence on the given calendar day that is
// strictly after `after`, or zero if the day's window is exhausted.
func (e *Evaluator) nextOnDay(sp *job.Spec, date, after time.Time) time.Time {
	loc := sp.Location()

	start := midnight(date, loc)
	if sp.Start != nil {
		start = sp.Start.On(date)
	}

	// The day window ends at the job's end time when set, local midnight
	// otherwise.
	end := midnight(date.AddDate(0, 0, 1), loc)
	if sp.End != nil {
		end = sp.End.On(date)
	}

	if sp.Frequency <= 0 {
		if start.After(after) && start.Before(end) {
			return start
		}
		return time.Time{}
	}

	cand := start
	if !after.Before(start) {
		n := int64(after.Sub(start)/sp.Frequency) + 1
		cand = start.Add(time.Duration(n) * sp.Frequency)
	}
	if cand.Before(end) {
		return cand
	}
	return time.Time{}
}

func (e *Evaluator) nextCron(sp *job.Spec, after time.Time) time.Time {
	e.mu.Lock()
	sched, ok := e.crons[sp.Cron]
	if !ok {
		var err error
		sched, err = e.parser.Parse(sp.Cron)
		if err != nil {
			// Expressions are validated at load; treat a stray parse failure
			// as "never due" rather than panicking the loop.
			e.mu.Unlock()
			return time.Time{}
		}
		e.crons[sp.Cron] = sched
	}
	e.mu.Unlock()
	return sched.Next(after.In(sp.Location()))
}

// InWindow reports whether a program may run at the given instant. Programs
// without a start time are always in window. A window whose end precedes
// its start spans midnight.
func InWindow(sp *job.Spec, now time.Time) bool {
	if sp.Start == nil {
		return true
	}
	loc := sp.Location()
	t := now.In(loc)
	if !sp.AllowsDay(t.Weekday()) {
		return false
	}

	start := sp.Start.On(t)
	end := midnight(t.AddDate(0, 0, 1), loc)
	if sp.End != nil {
		end = sp.End.On(t)
	}

	if end.After(start) {
		return !t.Before(start) && t.Before(end)
	}
	// Overnight window, e.g. 22:00 - 06:00.
	return !t.Before(start) || t.Before(end)
}

func midnight(t time.Time, loc *time.Location) time.Time {
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}
