package recurrence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func at(y int, m time.Month, d, h, min, s int) time.Time {
	return time.Date(y, m, d, h, min, s, 0, time.UTC)
}

func TestParseDailyEveryTenSeconds(t *testing.T) {
	r, err := ParseAt("Daily every 10 seconds", at(2015, 11, 9, 0, 0, 0), time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, ok := r.NextFrom(at(2015, 11, 9, 15, 15, 6))
	if !ok {
		t.Fatalf("expected an occurrence")
	}
	if want := at(2015, 11, 9, 15, 15, 10); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	// An instant that is itself an occurrence is returned unchanged.
	if got, _ := r.NextFrom(at(2015, 11, 9, 15, 15, 10)); !got.Equal(at(2015, 11, 9, 15, 15, 10)) {
		t.Fatalf("next at boundary = %v", got)
	}
}

func TestDateRules(t *testing.T) {
	start := NewDate(2024, time.January, 31)
	tests := []struct {
		name string
		rule DateRule
		in   Date
		want Date
		ok   bool
	}{
		{"once before", OnDate{Date: start}, NewDate(2024, 1, 1), start, true},
		{"once on", OnDate{Date: start}, start, start, true},
		{"once after", OnDate{Date: start}, NewDate(2024, 2, 1), Date{}, false},
		{"every 3 days before start", EveryDate{Unit: Day, Count: 3, Start: start}, NewDate(2024, 1, 1), start, true},
		{"every 3 days aligned", EveryDate{Unit: Day, Count: 3, Start: start}, NewDate(2024, 2, 3), NewDate(2024, 2, 3), true},
		{"every 3 days rounds up", EveryDate{Unit: Day, Count: 3, Start: start}, NewDate(2024, 2, 4), NewDate(2024, 2, 6), true},
		{"every 2 weeks", EveryDate{Unit: Week, Count: 2, Start: start}, NewDate(2024, 2, 1), NewDate(2024, 2, 14), true},
		{"monthly clamps", EveryDate{Unit: Month, Count: 1, Start: start}, NewDate(2024, 2, 1), NewDate(2024, 2, 29), true},
		{"monthly next", EveryDate{Unit: Month, Count: 1, Start: start}, NewDate(2024, 3, 1), NewDate(2024, 3, 31), true},
		{"past end", EveryDate{Unit: Day, Count: 1, Start: start, End: NewDate(2024, 2, 2)}, NewDate(2024, 2, 3), Date{}, false},
		{"unanchored", EveryDate{Unit: Day, Count: 1}, NewDate(2030, 5, 5), NewDate(2030, 5, 5), true},
		{"weekday", OnWeekdays{Days: []time.Weekday{time.Monday}}, NewDate(2015, 11, 10), NewDate(2015, 11, 16), true},
		{"weekday past end", OnWeekdays{Days: []time.Weekday{time.Monday}, End: NewDate(2015, 11, 15)}, NewDate(2015, 11, 10), Date{}, false},
	}
	for _, tt := range tests {
		got, ok := tt.rule.NextDate(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTimeRules(t *testing.T) {
	r := EveryTime{Unit: Minute, Count: 15, From: Clock(9, 0, 0), Until: Clock(10, 0, 0)}
	cases := []struct {
		in   TimeOfDay
		want TimeOfDay
		ok   bool
	}{
		{0, Clock(9, 0, 0), true},
		{Clock(9, 0, 1), Clock(9, 15, 0), true},
		{Clock(10, 0, 0), Clock(10, 0, 0), true},
		{Clock(10, 0, 1), 0, false},
	}
	for _, c := range cases {
		got, ok := r.NextTime(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Fatalf("NextTime(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
	if _, ok := (AtTime{At: Clock(8, 0, 0)}).NextTime(Clock(8, 0, 1)); ok {
		t.Fatalf("AtTime should be exhausted after its instant")
	}
}

func TestPairRollsToNextDate(t *testing.T) {
	p := Pair{Date: EveryDate{Unit: Day, Count: 1}, Time: AtTime{At: Clock(16, 0, 0)}, Loc: time.UTC}
	got, ok := p.NextFrom(at(2024, 3, 1, 17, 0, 0))
	if !ok || !got.Equal(at(2024, 3, 2, 16, 0, 0)) {
		t.Fatalf("got (%v, %v)", got, ok)
	}
	// Sub-second instants round up.
	got, _ = p.NextFrom(at(2024, 3, 1, 16, 0, 0).Add(time.Millisecond))
	if !got.Equal(at(2024, 3, 2, 16, 0, 0)) {
		t.Fatalf("sub-second: got %v", got)
	}
}

func TestBoundedSequenceIsMonotonicAndEnds(t *testing.T) {
	r, err := ParseAt("Every Monday from '11/9/2015' until '11/16/2015' at '4:00 PM'", at(2015, 11, 1, 0, 0, 0), time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := Upcoming(r, at(2015, 11, 1, 0, 0, 0), 10)
	want := []time.Time{at(2015, 11, 9, 16, 0, 0), at(2015, 11, 16, 16, 0, 0)}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}

	r, err = ParseAt("TODAY EVERY 2 SECONDS FROM '10:00:00' UNTIL '10:00:09'", at(2020, 6, 1, 8, 0, 0), time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	seq := Upcoming(r, at(2020, 6, 1, 8, 0, 0), 100)
	if len(seq) != 5 {
		t.Fatalf("expected 5 occurrences, got %v", seq)
	}
	for i := 1; i < len(seq); i++ {
		if !seq[i].After(seq[i-1]) {
			t.Fatalf("sequence not increasing at %d: %v", i, seq)
		}
	}
}

func TestMonotonic(t *testing.T) {
	r := Set{
		Pair{Time: EveryTime{Unit: Minute, Count: 7}, Loc: time.UTC},
		Pair{Date: OnWeekdays{Days: []time.Weekday{time.Tuesday}}, Time: AtTime{At: Clock(12, 3, 30)}, Loc: time.UTC},
	}
	base := at(2024, 1, 1, 0, 0, 0)
	prev := time.Time{}
	for i := 0; i < 2000; i++ {
		q := base.Add(time.Duration(i) * 97 * time.Second)
		next, ok := r.NextFrom(q)
		if !ok {
			t.Fatalf("unbounded set exhausted at %v", q)
		}
		if next.Before(q) {
			t.Fatalf("NextFrom(%v) = %v precedes input", q, next)
		}
		if next.Before(prev) {
			t.Fatalf("not monotonic: %v after %v", next, prev)
		}
		prev = next
	}
}

func TestSetCollapsesTies(t *testing.T) {
	a := Pair{Time: AtTime{At: Clock(6, 0, 0)}, Loc: time.UTC}
	s := Set{a, a, Pair{Time: EveryTime{Unit: Hour, Count: 6}, Loc: time.UTC}}
	got := Upcoming(s, at(2024, 1, 1, 5, 0, 0), 3)
	want := []time.Time{at(2024, 1, 1, 6, 0, 0), at(2024, 1, 1, 12, 0, 0), at(2024, 1, 1, 18, 0, 0)}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, ok := (Set{}).NextFrom(time.Now()); ok {
		t.Fatalf("empty set must yield none")
	}
}

func TestConvenienceRules(t *testing.T) {
	q := at(2024, 1, 31, 10, 30, 0)
	if got, _ := Daily(time.UTC).NextFrom(q); !got.Equal(at(2024, 2, 1, 0, 0, 0)) {
		t.Fatalf("daily: %v", got)
	}
	if got, _ := Hourly(time.UTC).NextFrom(q); !got.Equal(at(2024, 1, 31, 11, 0, 0)) {
		t.Fatalf("hourly: %v", got)
	}
	if got, _ := Weekly(NewDate(2024, 1, 1), time.UTC).NextFrom(q); !got.Equal(at(2024, 2, 5, 0, 0, 0)) {
		t.Fatalf("weekly: %v", got)
	}
	if got, _ := Monthly(NewDate(2024, 1, 31), time.UTC).NextFrom(q); !got.Equal(at(2024, 2, 29, 0, 0, 0)) {
		t.Fatalf("monthly: %v", got)
	}
}

func TestCronRule(t *testing.T) {
	r, err := ParseAt("cron: 0 30 2 * * *", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got, _ := r.NextFrom(at(2024, 1, 1, 2, 30, 0)); !got.Equal(at(2024, 1, 1, 2, 30, 0)) {
		t.Fatalf("cron should include its own instant, got %v", got)
	}
	if got, _ := r.NextFrom(at(2024, 1, 1, 2, 30, 1)); !got.Equal(at(2024, 1, 2, 2, 30, 0)) {
		t.Fatalf("cron next day: %v", got)
	}
	sched := Schedule(r)
	if got := sched.Next(at(2024, 1, 1, 2, 30, 0)); !got.Equal(at(2024, 1, 2, 2, 30, 0)) {
		t.Fatalf("cron.Schedule adapter must be strictly after, got %v", got)
	}
	if _, err := ParseAt("*/5 * * *", time.Now(), time.UTC); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected syntax error for short cron, got %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"Sometimes",
		"Daily at 4pm",
		"Daily at '25:00'",
		"Every 0 days",
		"Every 2 fortnights",
		"Daily every 5 minutes from '10:00' until '09:00'",
		"Every Monday from '11/16/2015' until '11/9/2015'",
		"On 'tomorrow'",
		"Daily at '4:00 PM' extra",
	} {
		if _, err := ParseAt(text, time.Now(), time.UTC); !errors.Is(err, ErrSyntax) {
			t.Fatalf("%q: expected ErrSyntax, got %v", text, err)
		}
	}
}

func TestParseMultipleRules(t *testing.T) {
	r, err := ParseAt("at '08:00'; at '20:00'", time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := r.(Set); !ok {
		t.Fatalf("expected Set, got %T", r)
	}
	got := Upcoming(r, at(2024, 1, 1, 9, 0, 0), 2)
	if !got[0].Equal(at(2024, 1, 1, 20, 0, 0)) || !got[1].Equal(at(2024, 1, 2, 8, 0, 0)) {
		t.Fatalf("got %v", got)
	}
}

func TestSleepUntilNext(t *testing.T) {
	if ok, err := SleepUntilNext(context.Background(), Set{}); ok || err != nil {
		t.Fatalf("exhausted rule: got (%v, %v)", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	far := Pair{Date: OnDate{Date: NewDate(2999, 1, 1)}, Loc: time.UTC}
	if ok, err := SleepUntilNext(ctx, far); ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled sleep: got (%v, %v)", ok, err)
	}

	soon := time.Now().Add(1100 * time.Millisecond)
	ok, err := SleepUntil(context.Background(), soon)
	if !ok || err != nil {
		t.Fatalf("sleep: got (%v, %v)", ok, err)
	}
	if time.Now().Before(soon) {
		t.Fatalf("woke early")
	}
}
