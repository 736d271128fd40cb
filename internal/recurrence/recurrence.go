package recurrence

import (
	"strings"
	"time"
)

// Rule answers "when next" for some recurrence.
type Rule interface {
	// NextFrom returns the earliest occurrence >= t, or false when the
	// recurrence is exhausted.
	NextFrom(t time.Time) (time.Time, bool)
}

// Pair combines a date-rule with a time-rule. A nil Date means every day; a
// nil Time means midnight. Loc defaults to time.Local.
type Pair struct {
	Date DateRule
	Time TimeRule
	Loc  *time.Location
}

func (p Pair) location() *time.Location {
	if p.Loc == nil {
		return time.Local
	}
	return p.Loc
}

func (p Pair) dateRule() DateRule {
	if p.Date == nil {
		return EveryDate{Unit: Day, Count: 1}
	}
	return p.Date
}

func (p Pair) timeRule() TimeRule {
	if p.Time == nil {
		return AtTime{}
	}
	return p.Time
}

func (p Pair) NextFrom(t time.Time) (time.Time, bool) {
	loc := p.location()
	dr, tr := p.dateRule(), p.timeRule()
	t = t.In(loc)

	// A time rule that yields nothing from midnight yields nothing at all.
	if _, ok := tr.NextTime(0); !ok {
		return time.Time{}, false
	}

	today := DateOf(t)
	day := today
	for {
		d, ok := dr.NextDate(day)
		if !ok {
			return time.Time{}, false
		}
		var q TimeOfDay
		if d == today {
			q = TimeOf(t)
		}
		for {
			nt, ok := tr.NextTime(q)
			if !ok {
				break
			}
			at := d.At(nt, loc)
			// Wall clock repeats during a DST fall-back; keep the result >= t.
			if !at.Before(t) {
				return at, true
			}
			q = nt + TimeOfDay(time.Second)
		}
		day = d.AddDays(1)
	}
}

func (p Pair) String() string {
	var parts []string
	if p.Date != nil {
		if s, ok := p.Date.(interface{ String() string }); ok {
			parts = append(parts, s.String())
		}
	} else {
		parts = append(parts, "daily")
	}
	if p.Time != nil {
		if s, ok := p.Time.(interface{ String() string }); ok {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, " ")
}

// Set merges several rules. The earliest candidate wins; rules that agree on
// an instant collapse to a single occurrence.
type Set []Rule

func (s Set) NextFrom(t time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, r := range s {
		if r == nil {
			continue
		}
		next, ok := r.NextFrom(t)
		if !ok {
			continue
		}
		if !found || next.Before(best) {
			best, found = next, true
		}
	}
	return best, found
}

// Daily fires at midnight every day.
func Daily(loc *time.Location) Pair {
	return Pair{Date: EveryDate{Unit: Day, Count: 1}, Loc: loc}
}

// Weekly fires at midnight every seven days starting on start.
func Weekly(start Date, loc *time.Location) Pair {
	return Pair{Date: EveryDate{Unit: Week, Count: 1, Start: start}, Loc: loc}
}

// Monthly fires at midnight on start's day-of-month, clamped for short months.
func Monthly(start Date, loc *time.Location) Pair {
	return Pair{Date: EveryDate{Unit: Month, Count: 1, Start: start}, Loc: loc}
}

// Hourly fires on every hour of every day.
func Hourly(loc *time.Location) Pair {
	return Pair{Time: EveryTime{Unit: Hour, Count: 1}, Loc: loc}
}

// Upcoming returns up to n occurrences of r at or after t.
func Upcoming(r Rule, t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	for len(out) < n {
		next, ok := r.NextFrom(t)
		if !ok {
			break
		}
		out = append(out, next)
		t = next.Add(time.Nanosecond)
	}
	return out
}
