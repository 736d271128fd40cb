package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronRule evaluates a crontab expression ("*/5 * * * *", "0 30 2 * * MON",
// "@daily").
type CronRule struct {
	Expr  string
	Loc   *time.Location
	sched cron.Schedule
}

// NewCron parses expr with an optional seconds field and @descriptors.
func NewCron(expr string, loc *time.Location) (CronRule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return CronRule{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return CronRule{Expr: expr, Loc: loc, sched: sched}, nil
}

func (r CronRule) NextFrom(t time.Time) (time.Time, bool) {
	if r.sched == nil {
		return time.Time{}, false
	}
	if r.Loc != nil {
		t = t.In(r.Loc)
	}
	// cron's Next is strictly after its argument.
	next := r.sched.Next(t.Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (r CronRule) String() string { return "cron: " + r.Expr }

// Schedule adapts a Rule to cron.Schedule so it can drive a *cron.Cron.
func Schedule(r Rule) cron.Schedule { return cronSchedule{r} }

type cronSchedule struct{ r Rule }

func (s cronSchedule) Next(t time.Time) time.Time {
	next, ok := s.r.NextFrom(t.Add(time.Nanosecond))
	if !ok {
		return time.Time{}
	}
	return next
}
