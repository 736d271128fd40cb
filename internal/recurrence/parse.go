package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrSyntax is returned for recurrence text that cannot be parsed.
var ErrSyntax = errors.New("recurrence: syntax error")

// Parse parses recurrence text relative to the current time.
// See ParseAt for the grammar.
func Parse(text string, loc *time.Location) (Rule, error) {
	return ParseAt(text, time.Now(), loc)
}

// ParseAt parses recurrence text. now anchors "Today" and the default start
// of "Weekly", "Monthly" and "Every n days|weeks|months".
//
// Rules are separated by ';'. Each rule is either a cron expression
// ("cron: 0 */5 * * * *", "@daily", "*/10 * * * *") or
//
//	[date-part] [time-part]
//
//	date-part: Daily | Today | Hourly | Weekly | Monthly | On '<date>'
//	         | Every <n> (days|weeks|months) | Every <weekday>[,<weekday>...]
//	           [from '<date>'] [until '<date>']
//	time-part: at '<time>'
//	         | every <n> (seconds|minutes|hours) [from '<time>'] [until '<time>']
//
// Keywords are case-insensitive. Dates are M/D/YYYY or YYYY-MM-DD; times are
// h:mm[:ss] with an optional AM/PM suffix.
func ParseAt(text string, now time.Time, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	var set Set
	for _, raw := range strings.Split(text, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := parseRule(raw, now, loc)
		if err != nil {
			return nil, err
		}
		set = append(set, r)
	}
	switch len(set) {
	case 0:
		return nil, fmt.Errorf("%w: empty recurrence", ErrSyntax)
	case 1:
		return set[0], nil
	default:
		return set, nil
	}
}

func parseRule(raw string, now time.Time, loc *time.Location) (Rule, error) {
	low := strings.ToLower(raw)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(raw[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("%w: cron expression required after 'cron:'", ErrSyntax)
		}
		return cronRule(expr, loc)
	}
	if c := raw[0]; c == '@' || c == '*' || (c >= '0' && c <= '9') {
		return cronRule(raw, loc)
	}

	toks, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	p := &ruleParser{toks: toks, today: DateOf(now)}
	pair, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, raw, err)
	}
	pair.Loc = loc
	return pair, nil
}

func cronRule(expr string, loc *time.Location) (Rule, error) {
	r, err := NewCron(expr, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return r, nil
}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case unicode.IsSpace(rune(c)) || c == ',':
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote in %q", ErrSyntax, s)
			}
			out = append(out, token{text: strings.TrimSpace(s[i+1 : i+1+end]), quoted: true})
			i += end + 2
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && s[j] != ',' && s[j] != '\'' && s[j] != '"' {
				j++
			}
			out = append(out, token{text: strings.ToLower(s[i:j])})
			i = j
		}
	}
	return out, nil
}

type ruleParser struct {
	toks  []token
	pos   int
	today Date
}

func (p *ruleParser) peek(off int) (token, bool) {
	if p.pos+off >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos+off], true
}

func (p *ruleParser) word(off int) string {
	t, ok := p.peek(off)
	if !ok || t.quoted {
		return ""
	}
	return t.text
}

func (p *ruleParser) quoted() (string, error) {
	t, ok := p.peek(0)
	if !ok || !t.quoted {
		return "", fmt.Errorf("expected quoted value at token %d", p.pos+1)
	}
	p.pos++
	return t.text, nil
}

func (p *ruleParser) parse() (Pair, error) {
	var pair Pair
	dr, hourly, err := p.datePart()
	if err != nil {
		return Pair{}, err
	}
	pair.Date = dr
	if hourly {
		pair.Time = EveryTime{Unit: Hour, Count: 1}
	}
	if p.pos < len(p.toks) {
		tr, err := p.timePart()
		if err != nil {
			return Pair{}, err
		}
		pair.Time = tr
	}
	if p.pos < len(p.toks) {
		return Pair{}, fmt.Errorf("unexpected %q", p.toks[p.pos].text)
	}
	return pair, nil
}

func (p *ruleParser) datePart() (DateRule, bool, error) {
	switch w := p.word(0); w {
	case "daily":
		p.pos++
		return p.bounds(EveryDate{Unit: Day, Count: 1})
	case "hourly":
		p.pos++
		dr, _, err := p.bounds(EveryDate{Unit: Day, Count: 1})
		return dr, true, err
	case "today":
		p.pos++
		return OnDate{Date: p.today}, false, nil
	case "weekly":
		p.pos++
		return p.bounds(EveryDate{Unit: Week, Count: 1, Start: p.today})
	case "monthly":
		p.pos++
		return p.bounds(EveryDate{Unit: Month, Count: 1, Start: p.today})
	case "on":
		p.pos++
		s, err := p.quoted()
		if err != nil {
			return nil, false, err
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, false, err
		}
		return OnDate{Date: d}, false, nil
	case "every":
		if days, n := p.weekdays(1); n > 0 {
			p.pos += 1 + n
			return p.bounds(OnWeekdays{Days: days})
		}
		count, unit, n, err := p.interval(1)
		if err != nil {
			return nil, false, err
		}
		switch unit {
		case Day, Week, Month:
			p.pos += 1 + n
			return p.bounds(EveryDate{Unit: unit, Count: count, Start: p.today})
		}
		// A time interval with no date part runs every day.
		return EveryDate{Unit: Day, Count: 1}, false, nil
	case "at":
		return EveryDate{Unit: Day, Count: 1}, false, nil
	case "":
		return nil, false, fmt.Errorf("expected a date or time rule")
	default:
		return nil, false, fmt.Errorf("unknown keyword %q", w)
	}
}

// bounds consumes optional from/until dates and applies them to r.
func (p *ruleParser) bounds(r DateRule) (DateRule, bool, error) {
	var start, end Date
	for _, kw := range []string{"from", "until"} {
		if p.word(0) != kw {
			continue
		}
		p.pos++
		s, err := p.quoted()
		if err != nil {
			return nil, false, err
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, false, err
		}
		if kw == "from" {
			start = d
		} else {
			end = d
		}
	}
	switch v := r.(type) {
	case EveryDate:
		if !start.IsZero() {
			v.Start = start
		}
		v.End = end
		if !v.End.IsZero() && !v.Start.IsZero() && v.End.Before(v.Start) {
			return nil, false, fmt.Errorf("until %s precedes from %s", v.End, v.Start)
		}
		return v, false, nil
	case OnWeekdays:
		v.Start, v.End = start, end
		if !v.End.IsZero() && !v.Start.IsZero() && v.End.Before(v.Start) {
			return nil, false, fmt.Errorf("until %s precedes from %s", v.End, v.Start)
		}
		return v, false, nil
	}
	return r, false, nil
}

func (p *ruleParser) timePart() (TimeRule, error) {
	switch w := p.word(0); w {
	case "at":
		p.pos++
		s, err := p.quoted()
		if err != nil {
			return nil, err
		}
		tod, err := parseClock(s)
		if err != nil {
			return nil, err
		}
		return AtTime{At: tod}, nil
	case "every":
		count, unit, n, err := p.interval(1)
		if err != nil {
			return nil, err
		}
		if unit != Second && unit != Minute && unit != Hour {
			return nil, fmt.Errorf("time interval must be seconds, minutes or hours, got %s", unit)
		}
		p.pos += 1 + n
		r := EveryTime{Unit: unit, Count: count}
		for _, kw := range []string{"from", "until"} {
			if p.word(0) != kw {
				continue
			}
			p.pos++
			s, err := p.quoted()
			if err != nil {
				return nil, err
			}
			tod, err := parseClock(s)
			if err != nil {
				return nil, err
			}
			if kw == "from" {
				r.From = tod
			} else {
				r.Until = tod
			}
		}
		if r.Until != 0 && r.Until < r.From {
			return nil, fmt.Errorf("until %s precedes from %s", r.Until, r.From)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("expected 'at' or 'every', got %q", p.toks[p.pos].text)
	}
}

// interval reads "<n> <unit>" or "<unit>" starting at offset off. It returns
// the number of tokens consumed without advancing.
func (p *ruleParser) interval(off int) (int, Unit, int, error) {
	w := p.word(off)
	count, consumed := 1, 1
	if n, err := strconv.Atoi(w); err == nil {
		if n <= 0 {
			return 0, 0, 0, fmt.Errorf("interval must be positive, got %d", n)
		}
		count, consumed = n, 2
		w = p.word(off + 1)
	}
	unit, ok := unitWords[w]
	if !ok {
		return 0, 0, 0, fmt.Errorf("expected interval unit, got %q", w)
	}
	return count, unit, consumed, nil
}

// weekdays reads a weekday list starting at offset off.
func (p *ruleParser) weekdays(off int) ([]time.Weekday, int) {
	var days []time.Weekday
	n := 0
	for {
		w := p.word(off + n)
		if w == "and" && len(days) > 0 {
			n++
			continue
		}
		d, ok := weekdayWords[w]
		if !ok {
			break
		}
		days = append(days, d)
		n++
	}
	if len(days) > 0 && p.word(off+n-1) == "and" {
		n--
	}
	return days, n
}

var unitWords = map[string]Unit{
	"second": Second, "seconds": Second,
	"minute": Minute, "minutes": Minute,
	"hour": Hour, "hours": Hour,
	"day": Day, "days": Day,
	"week": Week, "weeks": Week,
	"month": Month, "months": Month,
}

var weekdayWords = func() map[string]time.Weekday {
	m := map[string]time.Weekday{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		m[name] = d
		m[name[:3]] = d
	}
	return m
}()

func parseDate(s string) (Date, error) {
	for _, layout := range []string{"1/2/2006", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q (want M/D/YYYY or YYYY-MM-DD)", s)
}

func parseClock(s string) (TimeOfDay, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	meridiem := ""
	for _, suf := range []string{"AM", "PM"} {
		if strings.HasSuffix(u, suf) {
			meridiem = suf
			u = strings.TrimSpace(strings.TrimSuffix(u, suf))
		}
	}
	parts := strings.Split(u, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var v [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		v[i] = n
	}
	h, m, sec := v[0], v[1], v[2]
	switch meridiem {
	case "AM":
		if h < 1 || h > 12 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		if h == 12 {
			h = 0
		}
	case "PM":
		if h < 1 || h > 12 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		if h != 12 {
			h += 12
		}
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return Clock(h, m, sec), nil
}
