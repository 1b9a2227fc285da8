package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // rule timezones must resolve on hosts without zoneinfo

	"github.com/gorhill/cronexpr"
)

// Frequency is the base recurrence period of a Rule.
type Frequency int

// Frequencies use the iCalendar numbering.
const (
	Yearly Frequency = iota
	Monthly
	Weekly
	Daily
	Hourly
)

// String returns the iCalendar name of the frequency.
func (f Frequency) String() string {
	switch f {
	case Yearly:
		return "YEARLY"
	case Monthly:
		return "MONTHLY"
	case Weekly:
		return "WEEKLY"
	case Daily:
		return "DAILY"
	case Hourly:
		return "HOURLY"
	default:
		return "Frequency(" + strconv.Itoa(int(f)) + ")"
	}
}

// maxRuleSteps bounds the search for an occurrence that satisfies every
// constraint of a rule.
const maxRuleSteps = 1000

// Rule is a calendar recurrence rule.
//
// Occurrences happen every Interval periods of Freq, counted from DTStart,
// at the wall-clock times in TZID selected by the By* constraints.
// Weekdays are numbered 1 (Monday) through 7 (Sunday). When both ByWeekday
// and ByMonthDay are set an occurrence must satisfy both.
//
// Constraints that are not set default to the matching component of
// DTStart, or to midnight on Monday the 1st of January without a DTStart.
type Rule struct {
	Freq       Frequency  `json:"freq"`
	Interval   int        `json:"interval"`
	TZID       string     `json:"tzid,omitempty"`
	DTStart    *time.Time `json:"dtstart,omitempty"`
	ByHour     []int      `json:"byhour,omitempty"`
	ByMinute   []int      `json:"byminute,omitempty"`
	ByWeekday  []int      `json:"byweekday,omitempty"`
	ByMonthDay []int      `json:"bymonthday,omitempty"`
}

// String renders the rule in an RRULE-like form.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s;INTERVAL=%d", r.Freq, r.interval())
	if r.TZID != "" {
		b.WriteString(";TZID=" + r.TZID)
	}
	writeList(&b, "BYHOUR", r.ByHour)
	writeList(&b, "BYMINUTE", r.ByMinute)
	writeList(&b, "BYWEEKDAY", r.ByWeekday)
	writeList(&b, "BYMONTHDAY", r.ByMonthDay)
	return b.String()
}

func (r *Rule) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

type compiledRule struct {
	freq     Frequency
	interval int
	loc      *time.Location
	start    *time.Time
	anchor   time.Time
	expr     *cronexpr.Expression
	weekdays map[time.Weekday]bool
}

func (r *Rule) compile() (*compiledRule, error) {
	if r.Freq < Yearly || r.Freq > Hourly {
		return nil, fmt.Errorf("%w: freq %d out of range", ErrInvalidRule, r.Freq)
	}
	if r.Interval < 0 {
		return nil, fmt.Errorf("%w: negative interval %d", ErrInvalidRule, r.Interval)
	}
	if err := checkRange("byhour", r.ByHour, 0, 23); err != nil {
		return nil, err
	}
	if err := checkRange("byminute", r.ByMinute, 0, 59); err != nil {
		return nil, err
	}
	if err := checkRange("byweekday", r.ByWeekday, 1, 7); err != nil {
		return nil, err
	}
	if err := checkRange("bymonthday", r.ByMonthDay, 1, 31); err != nil {
		return nil, err
	}

	loc := time.UTC
	if r.TZID != "" {
		l, err := time.LoadLocation(r.TZID)
		if err != nil {
			return nil, fmt.Errorf("%w: tzid %q: %v", ErrInvalidRule, r.TZID, err)
		}
		loc = l
	}

	c := &compiledRule{
		freq:     r.Freq,
		interval: r.interval(),
		loc:      loc,
		// 1970-01-05 is a Monday, which keeps weekly periods aligned.
		anchor: time.Date(1970, time.January, 5, 0, 0, 0, 0, loc),
	}

	minute, hour, dom, month, weekday := 0, 0, 1, int(time.January), 1
	if r.DTStart != nil {
		start := r.DTStart.In(loc)
		c.start = &start
		c.anchor = start
		minute, hour, dom, month = start.Minute(), start.Hour(), start.Day(), int(start.Month())
		weekday = isoWeekday(start.Weekday())
	}

	minuteField := joinInts(r.ByMinute, minute)

	hourField := joinInts(r.ByHour, hour)
	if r.Freq == Hourly && len(r.ByHour) == 0 {
		hourField = "*"
	}

	domField, dowField := "*", "*"
	switch {
	case len(r.ByMonthDay) > 0:
		domField = joinInts(r.ByMonthDay, 0)
		if len(r.ByWeekday) > 0 {
			c.weekdays = make(map[time.Weekday]bool, len(r.ByWeekday))
			for _, wd := range r.ByWeekday {
				c.weekdays[time.Weekday(wd%7)] = true
			}
		}
	case len(r.ByWeekday) > 0:
		dowField = joinCronWeekdays(r.ByWeekday)
	case r.Freq == Yearly || r.Freq == Monthly:
		domField = strconv.Itoa(dom)
	case r.Freq == Weekly:
		dowField = joinCronWeekdays([]int{weekday})
	}

	monthField := "*"
	if r.Freq == Yearly {
		monthField = strconv.Itoa(month)
	}

	line := strings.Join([]string{minuteField, hourField, domField, monthField, dowField}, " ")
	expr, err := cronexpr.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	c.expr = expr

	return c, nil
}

// next returns the first occurrence strictly after now, and not before
// DTStart.
func (c *compiledRule) next(now time.Time) (time.Time, error) {
	from := now.In(c.loc)
	if c.start != nil && from.Before(*c.start) {
		from = c.start.Add(-time.Second)
	}

	for i := 0; i < maxRuleSteps; i++ {
		cand := c.expr.Next(from)
		if cand.IsZero() {
			break
		}
		if c.weekdays != nil && !c.weekdays[cand.Weekday()] {
			from = cand
			continue
		}
		if c.interval > 1 && floorMod(c.period(cand), int64(c.interval)) != 0 {
			from = c.nextPeriodStart(cand).Add(-time.Second)
			continue
		}
		return cand, nil
	}

	return time.Time{}, ErrNoOccurrence
}

// period returns the number of whole Freq periods between the anchor and t.
func (c *compiledRule) period(t time.Time) int64 {
	a := c.anchor
	switch c.freq {
	case Yearly:
		return int64(t.Year() - a.Year())
	case Monthly:
		return int64((t.Year()-a.Year())*12 + int(t.Month()) - int(a.Month()))
	case Weekly:
		return floorDiv(civilDay(weekStart(t))-civilDay(weekStart(a)), 7)
	case Daily:
		return civilDay(t) - civilDay(a)
	default:
		return (civilDay(t)-civilDay(a))*24 + int64(t.Hour()-a.Hour())
	}
}

func (c *compiledRule) nextPeriodStart(t time.Time) time.Time {
	switch c.freq {
	case Yearly:
		return time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, c.loc)
	case Monthly:
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, c.loc)
	case Weekly:
		ws := weekStart(t)
		return time.Date(ws.Year(), ws.Month(), ws.Day()+7, 0, 0, 0, 0, c.loc)
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, c.loc)
	}
}

func weekStart(t time.Time) time.Time {
	back := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-back, 0, 0, 0, 0, t.Location())
}

// civilDay counts calendar days since the Unix epoch, ignoring the zone offset.
func civilDay(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func isoWeekday(wd time.Weekday) int {
	if wd == time.Sunday {
		return 7
	}
	return int(wd)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - floorDiv(a, b)*b
}

func checkRange(name string, vals []int, lo, hi int) error {
	for _, v := range vals {
		if v < lo || v > hi {
			return fmt.Errorf("%w: %s value %d outside [%d,%d]", ErrInvalidRule, name, v, lo, hi)
		}
	}
	return nil
}

func joinInts(vals []int, fallback int) string {
	if len(vals) == 0 {
		return strconv.Itoa(fallback)
	}
	sorted := append([]int(nil), vals...)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			continue
		}
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

// joinCronWeekdays converts Monday-first weekdays (1-7) to cron's
// Sunday-first numbering (0-6).
func joinCronWeekdays(vals []int) string {
	cron := make([]int, len(vals))
	for i, v := range vals {
		cron[i] = v % 7
	}
	return joinInts(cron, 0)
}

func writeList(b *strings.Builder, name string, vals []int) {
	if len(vals) == 0 {
		return
	}
	b.WriteString(";" + name + "=" + joinInts(vals, 0))
}
