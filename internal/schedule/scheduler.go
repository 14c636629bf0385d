// Package schedule turns a pair of cron expressions into start/stop triggers.
//
// Cron granularity is one minute, so triggers are derived from a periodic
// poll rather than an exact-time wakeup: each tick checks whether the current
// UTC minute matches, and a per-expression watermark of the last fired minute
// keeps a sub-minute poll interval from firing twice within one match.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is the outcome of one scheduler tick.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerStart
	TriggerStop
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerStop:
		return "stop"
	default:
		return "none"
	}
}

// Matcher reports whether a schedule matches the minute containing t.
// It must be a pure function of t.
type Matcher func(t time.Time) bool

// ParseCron compiles a six-field cron expression
// (sec min hour day-of-month month day-of-week) into a Matcher.
func ParseCron(expr string) (Matcher, error) {
	parser := cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return func(t time.Time) bool {
		minute := t.UTC().Truncate(time.Minute)
		next := sched.Next(minute.Add(-time.Second))
		return next.Before(minute.Add(time.Minute))
	}, nil
}

// Scheduler evaluates the start and stop schedules against wall-clock time.
// It is not safe for concurrent use; the control loop owns it.
type Scheduler struct {
	start Matcher
	stop  Matcher

	// last minute each expression fired for
	startFired time.Time
	stopFired  time.Time
}

// New creates a Scheduler from two compiled matchers.
func New(start, stop Matcher) *Scheduler {
	return &Scheduler{start: start, stop: stop}
}

// Parse creates a Scheduler directly from two cron expressions.
func Parse(startExpr, stopExpr string) (*Scheduler, error) {
	start, err := ParseCron(startExpr)
	if err != nil {
		return nil, err
	}
	stop, err := ParseCron(stopExpr)
	if err != nil {
		return nil, err
	}
	return New(start, stop), nil
}

// Tick evaluates both schedules for the minute containing now and returns at
// most one trigger. When both match the same minute the stop trigger wins;
// overlapping schedules are a misconfiguration and tearing down is the safer
// default.
func (s *Scheduler) Tick(now time.Time) Trigger {
	minute := now.UTC().Truncate(time.Minute)

	if s.stop(minute) {
		// suppress start for this minute entirely, not just for this tick
		if minute.Equal(s.stopFired) {
			return TriggerNone
		}
		s.stopFired = minute
		return TriggerStop
	}
	if s.start(minute) && !minute.Equal(s.startFired) {
		s.startFired = minute
		return TriggerStart
	}
	return TriggerNone
}
