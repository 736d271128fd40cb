package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateRule yields an ascending sequence of calendar dates.
type DateRule interface {
	// NextDate returns the first date in the sequence that is >= d.
	NextDate(d Date) (Date, bool)
}

// TimeRule yields an ascending sequence of times within one day.
type TimeRule interface {
	// NextTime returns the first time-of-day in the sequence that is >= t.
	NextTime(t TimeOfDay) (TimeOfDay, bool)
}

// OnDate is a one-time date rule.
type OnDate struct {
	Date Date
}

func (r OnDate) NextDate(d Date) (Date, bool) {
	if d.After(r.Date) {
		return Date{}, false
	}
	return r.Date, true
}

func (r OnDate) String() string { return "on " + r.Date.String() }

// EveryDate recurs every Count units (Day, Week or Month) from Start through
// End. A zero Start anchors the sequence at whatever date is asked about; a
// zero End leaves it unbounded.
type EveryDate struct {
	Unit  Unit
	Count int
	Start Date
	End   Date
}

func (r EveryDate) NextDate(d Date) (Date, bool) {
	count := r.Count
	if count <= 0 {
		count = 1
	}
	if r.Start.IsZero() || !d.After(r.Start) {
		cand := r.Start
		if r.Start.IsZero() || d.After(r.Start) {
			cand = d
		}
		return r.bounded(cand)
	}

	var cand Date
	switch r.Unit {
	case Month:
		months := (d.Year-r.Start.Year)*12 + int(d.Month-r.Start.Month)
		k := months / count
		cand = r.Start.AddMonths(k * count)
		for cand.Before(d) {
			k++
			cand = r.Start.AddMonths(k * count)
		}
	case Week, Day:
		step := count
		if r.Unit == Week {
			step *= 7
		}
		diff := r.Start.DaysUntil(d)
		k := (diff + step - 1) / step
		cand = r.Start.AddDays(k * step)
	default:
		return Date{}, false
	}
	return r.bounded(cand)
}

func (r EveryDate) bounded(d Date) (Date, bool) {
	if !r.End.IsZero() && d.After(r.End) {
		return Date{}, false
	}
	return d, true
}

func (r EveryDate) String() string {
	s := fmt.Sprintf("every %d %s", max(1, r.Count), r.Unit)
	if !r.Start.IsZero() {
		s += " from " + r.Start.String()
	}
	if !r.End.IsZero() {
		s += " until " + r.End.String()
	}
	return s
}

// OnWeekdays recurs on the listed weekdays between Start and End (zero = open).
type OnWeekdays struct {
	Days  []time.Weekday
	Start Date
	End   Date
}

func (r OnWeekdays) NextDate(d Date) (Date, bool) {
	if len(r.Days) == 0 {
		return Date{}, false
	}
	if !r.Start.IsZero() && d.Before(r.Start) {
		d = r.Start
	}
	for i := 0; i < 7; i++ {
		cand := d.AddDays(i)
		if !r.End.IsZero() && cand.After(r.End) {
			return Date{}, false
		}
		for _, wd := range r.Days {
			if cand.Weekday() == wd {
				return cand, true
			}
		}
	}
	return Date{}, false
}

func (r OnWeekdays) String() string {
	days := append([]time.Weekday(nil), r.Days...)
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, d.String())
	}
	return "every " + strings.Join(names, ",")
}

// AtTime is a one-time time rule.
type AtTime struct {
	At TimeOfDay
}

func (r AtTime) NextTime(t TimeOfDay) (TimeOfDay, bool) {
	if t > r.At {
		return 0, false
	}
	return r.At, true
}

func (r AtTime) String() string { return "at " + r.At.String() }

// EveryTime recurs every Count units (Second, Minute or Hour) from From
// through Until within a day. A zero Until means end of day.
type EveryTime struct {
	Unit  Unit
	Count int
	From  TimeOfDay
	Until TimeOfDay
}

func (r EveryTime) step() time.Duration {
	count := max(1, r.Count)
	switch r.Unit {
	case Second:
		return time.Duration(count) * time.Second
	case Minute:
		return time.Duration(count) * time.Minute
	case Hour:
		return time.Duration(count) * time.Hour
	default:
		return 0
	}
}

func (r EveryTime) NextTime(t TimeOfDay) (TimeOfDay, bool) {
	step := TimeOfDay(r.step())
	if step <= 0 {
		return 0, false
	}
	until := r.Until
	if until == 0 {
		until = EndOfDay
	}
	cand := r.From
	if t > r.From {
		k := (t - r.From + step - 1) / step
		cand = r.From + k*step
	}
	if cand > until {
		return 0, false
	}
	return cand, true
}

func (r EveryTime) String() string {
	s := fmt.Sprintf("every %d %s", max(1, r.Count), r.Unit)
	if r.From != 0 {
		s += " from " + r.From.String()
	}
	if r.Until != 0 {
		s += " until " + r.Until.String()
	}
	return s
}
