// Package calendar resolves timer expressions into due dates.
//
// Two business calendars are registered by default:
//
//	duration  P[nY][nM][nW][nD][T[nH][nM][nS]] relative to the clock
//	dueDate   an absolute RFC 3339 timestamp
//
// Components overflow naturally: "PT70M" is one hour and ten minutes, so
// "P2DT5H70M" resolved at 2010-06-11 17:23 is 2010-06-13 23:33.
package calendar

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/fault"
)

// Calendar names.
const (
	Duration = "duration"
	DueDate  = "dueDate"
)

// BusinessCalendar turns an expression into an absolute due date.
type BusinessCalendar interface {
	ResolveDueDate(expr string) (time.Time, error)
}

// Period is a parsed duration expression.
type Period struct {
	Years   int
	Months  int
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

var periodPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParsePeriod parses a duration expression. Malformed expressions are
// fault.Validation errors.
func ParsePeriod(expr string) (Period, error) {
	expr = strings.TrimSpace(expr)
	m := periodPattern.FindStringSubmatch(expr)
	if m == nil || expr == "P" || strings.HasSuffix(expr, "T") {
		return Period{}, fault.Validation("invalid duration expression %q", expr)
	}

	var n [7]int
	for i, s := range m[1:] {
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return Period{}, fault.Validation("invalid duration component %q in %q", s, expr)
		}
		n[i] = v
	}

	p := Period{
		Years: n[0], Months: n[1], Weeks: n[2], Days: n[3],
		Hours: n[4], Minutes: n[5], Seconds: n[6],
	}
	if !p.clockFits() {
		return Period{}, fault.Validation("duration expression %q out of range", expr)
	}
	return p, nil
}

// maxClockSeconds is the longest clock part, in seconds, AddTo can add
// without overflowing time.Duration.
const maxClockSeconds = math.MaxInt64 / int64(time.Second)

// clockFits reports whether the hours, minutes and seconds of p add up to
// a representable time.Duration.
func (p Period) clockFits() bool {
	total := int64(0)
	for _, c := range []struct {
		n    int
		unit int64
	}{{p.Hours, 3600}, {p.Minutes, 60}, {p.Seconds, 1}} {
		n := int64(c.n)
		if n < 0 || n > (maxClockSeconds-total)/c.unit {
			return false
		}
		total += n * c.unit
	}
	return true
}

// AddTo returns t advanced by p. Calendar components (years, months, weeks,
// days) are applied with time.AddDate, clock components with time.Add.
// ParsePeriod rejects clock parts too long for a time.Duration.
func (p Period) AddTo(t time.Time) time.Time {
	t = t.AddDate(p.Years, p.Months, 7*p.Weeks+p.Days)
	return t.Add(time.Duration(p.Hours)*time.Hour +
		time.Duration(p.Minutes)*time.Minute +
		time.Duration(p.Seconds)*time.Second)
}

// String renders p in canonical form, omitting zero components.
func (p Period) String() string {
	var b strings.Builder
	b.WriteString("P")
	for _, c := range []struct {
		n    int
		unit string
	}{{p.Years, "Y"}, {p.Months, "M"}, {p.Weeks, "W"}, {p.Days, "D"}} {
		if c.n != 0 {
			fmt.Fprintf(&b, "%d%s", c.n, c.unit)
		}
	}
	if p.Hours != 0 || p.Minutes != 0 || p.Seconds != 0 {
		b.WriteString("T")
		for _, c := range []struct {
			n    int
			unit string
		}{{p.Hours, "H"}, {p.Minutes, "M"}, {p.Seconds, "S"}} {
			if c.n != 0 {
				fmt.Fprintf(&b, "%d%s", c.n, c.unit)
			}
		}
	}
	if b.Len() == 1 {
		b.WriteString("T0S")
	}
	return b.String()
}

// DurationCalendar resolves duration expressions against a clock.
type DurationCalendar struct {
	Clock clock.Clock
}

// ResolveDueDate returns now + expr.
func (c DurationCalendar) ResolveDueDate(expr string) (time.Time, error) {
	p, err := ParsePeriod(expr)
	if err != nil {
		return time.Time{}, err
	}
	return p.AddTo(c.Clock.Now()), nil
}

// DueDateCalendar resolves absolute RFC 3339 timestamps.
type DueDateCalendar struct{}

// ResolveDueDate parses expr as RFC 3339 and returns it in UTC.
func (DueDateCalendar) ResolveDueDate(expr string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fault.Validation("invalid due date %q: %v", expr, err)
	}
	return t.UTC(), nil
}

// Registry maps calendar names to calendars.
type Registry map[string]BusinessCalendar

// NewRegistry returns the default calendars bound to c.
func NewRegistry(c clock.Clock) Registry {
	return Registry{
		Duration: DurationCalendar{Clock: c},
		DueDate:  DueDateCalendar{},
	}
}

// Resolve resolves expr with the named calendar.
func (r Registry) Resolve(name, expr string) (time.Time, error) {
	bc, ok := r[name]
	if !ok {
		return time.Time{}, fault.Validation("unknown business calendar %q", name)
	}
	return bc.ResolveDueDate(expr)
}
