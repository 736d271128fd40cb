package recurrence

import (
	"fmt"
	"time"
)

// Unit is the step unit of a recurring rule.
type Unit int

const (
	Second Unit = iota + 1
	Minute
	Hour
	Day
	Week
	Month
)

func (u Unit) String() string {
	switch u {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Week:
		return "week"
	case Month:
		return "month"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// Date is a calendar date with no time-of-day or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// NewDate normalizes y/m/d (e.g. Feb 30 becomes Mar 1 or 2).
func NewDate(y int, m time.Month, d int) Date {
	return DateOf(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) utc() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	return d.utc().Compare(o.utc())
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) AddDays(n int) Date { return DateOf(d.utc().AddDate(0, 0, n)) }

// AddMonths adds n months, clamping the day to the last day of the target
// month (Jan 31 + 1 month = Feb 28/29).
func (d Date) AddMonths(n int) Date {
	idx := d.Year*12 + int(d.Month-1) + n
	y, m := idx/12, time.Month(idx%12+1)
	last := daysIn(y, m)
	day := d.Day
	if day > last {
		day = last
	}
	return Date{Year: y, Month: m, Day: day}
}

// DaysUntil returns the number of days from d to o (negative if o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.utc().Sub(d.utc()).Hours() / 24)
}

func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }

// At combines d with a time-of-day in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	s := int(tod / TimeOfDay(time.Second))
	return time.Date(d.Year, d.Month, d.Day, s/3600, (s/60)%60, s%60, 0, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// TimeOfDay is an offset from midnight with second precision.
type TimeOfDay time.Duration

// EndOfDay is the last representable time-of-day (23:59:59).
const EndOfDay = TimeOfDay(24*time.Hour - time.Second)

// Clock builds a TimeOfDay from hour, minute and second.
func Clock(h, m, s int) TimeOfDay {
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// TimeOf returns the time-of-day of t, rounded up to the next whole second
// so that the result never precedes t.
func TimeOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	tod := Clock(h, m, s)
	if t.Nanosecond() > 0 {
		tod += TimeOfDay(time.Second)
	}
	return tod
}

func (t TimeOfDay) String() string {
	s := int(time.Duration(t) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
