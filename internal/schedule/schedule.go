package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
)

// Validation errors returned by Validate and the parsing helpers.
var (
	// ErrInvalidSchedule is returned when a schedule sets zero or more than
	// one of Interval, Cron and Rule.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidInterval is returned for malformed interval strings.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidCron is returned when a cron expression cannot be parsed.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrInvalidRule is returned when a calendar rule has out-of-range fields.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrNoOccurrence is returned when a schedule has no occurrence after
	// the requested instant.
	ErrNoOccurrence = errors.New("schedule has no further occurrence")
)

// Schedule describes when a recurring task runs. Exactly one field is set.
type Schedule struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Rule     *Rule  `json:"rrule,omitempty"`
}

// Every returns an interval schedule, e.g. Every("5m").
func Every(interval string) *Schedule {
	return &Schedule{Interval: interval}
}

// CronExpr returns a cron schedule.
func CronExpr(expr string) *Schedule {
	return &Schedule{Cron: expr}
}

// FromRule returns a calendar rule schedule.
func FromRule(r Rule) *Schedule {
	return &Schedule{Rule: &r}
}

// Validate checks that exactly one variant is set and that it parses.
func (s *Schedule) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrInvalidSchedule)
	}

	set := 0
	if s.Interval != "" {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if s.Rule != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of interval, cron or rrule must be set", ErrInvalidSchedule)
	}

	switch {
	case s.Interval != "":
		_, err := ParseInterval(s.Interval)
		return err
	case s.Cron != "":
		_, err := parseCron(s.Cron)
		return err
	default:
		_, err := s.Rule.compile()
		return err
	}
}

// String returns a short human readable form of the schedule.
func (s *Schedule) String() string {
	switch {
	case s == nil:
		return "once"
	case s.Interval != "":
		return "every " + s.Interval
	case s.Cron != "":
		return "cron " + s.Cron
	case s.Rule != nil:
		return s.Rule.String()
	default:
		return "invalid"
	}
}

// Next computes the next run time for a task that last started at
// lastRunAt, evaluated at now.
//
// Interval schedules return lastRunAt + interval (now + interval when
// lastRunAt is zero). Cron and rule schedules return the first occurrence
// strictly after now. Any result at or before now is collapsed to now, so
// a task that missed several occurrences runs once immediately and then
// resumes its normal cadence.
func (s *Schedule) Next(lastRunAt, now time.Time) (time.Time, error) {
	next, err := s.nextRaw(lastRunAt, now)
	if err != nil {
		return time.Time{}, err
	}
	return CatchUp(next, now), nil
}

// CatchUp returns now when next is not in the future, and next otherwise.
func CatchUp(next, now time.Time) time.Time {
	if !next.After(now) {
		return now
	}
	return next
}

func (s *Schedule) nextRaw(lastRunAt, now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}

	switch {
	case s.Interval != "":
		d, _ := ParseInterval(s.Interval)
		base := lastRunAt
		if base.IsZero() {
			base = now
		}
		return base.Add(d), nil

	case s.Cron != "":
		expr, _ := parseCron(s.Cron)
		next := expr.Next(now.UTC())
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNoOccurrence, s.Cron)
		}
		return next, nil

	default:
		c, _ := s.Rule.compile()
		return c.next(now)
	}
}

func parseCron(expr string) (*cronexpr.Expression, error) {
	e, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return e, nil
}

// Clone returns a deep copy of s.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	if s.Rule != nil {
		r := *s.Rule
		if s.Rule.DTStart != nil {
			start := *s.Rule.DTStart
			r.DTStart = &start
		}
		r.ByHour = append([]int(nil), s.Rule.ByHour...)
		r.ByMinute = append([]int(nil), s.Rule.ByMinute...)
		r.ByWeekday = append([]int(nil), s.Rule.ByWeekday...)
		r.ByMonthDay = append([]int(nil), s.Rule.ByMonthDay...)
		c.Rule = &r
	}
	return &c
}
