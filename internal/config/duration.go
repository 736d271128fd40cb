package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadDuration marks a duration setting that does not parse or is out of
// range.
var ErrBadDuration = errors.New("bad duration")

const (
	day     = 24 * time.Hour
	maxDays = 365 * 100
)

// ParseDurationField parses an optional duration setting named path. Empty
// means zero. Besides time.ParseDuration syntax a leading day count is
// accepted: "7d", "1d12h".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDays(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w %q: %w", path, ErrBadDuration, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %w %q: negative", path, ErrBadDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero setting.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func parseDays(s string) (time.Duration, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) || s[i] != 'd' {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n > maxDays {
		return 0, fmt.Errorf("day count %q out of range", s[:i])
	}
	d := time.Duration(n) * day
	if rest := s[i+1:]; rest != "" {
		r, err := time.ParseDuration(rest)
		if err != nil {
			return 0, err
		}
		if r < 0 {
			return 0, fmt.Errorf("mixed signs in %q", s)
		}
		d += r
	}
	return d, nil
}

// durationSetting is one duration in the config with the range dbflow
// accepts when it is set. A zero hi means no upper bound.
type durationSetting struct {
	path   string
	raw    string
	lo, hi time.Duration
}

func (s durationSetting) check() error {
	d, err := ParseDurationField(s.path, s.raw)
	if err != nil || d == 0 {
		return err
	}
	if d < s.lo || (s.hi > 0 && d > s.hi) {
		hi := "unbounded"
		if s.hi > 0 {
			hi = s.hi.String()
		}
		return fmt.Errorf("%s: %w %q: outside [%s, %s]", s.path, ErrBadDuration, s.raw, s.lo, hi)
	}
	return nil
}

// durationSettings lists every duration setting in c.
func (c *Config) durationSettings() []durationSetting {
	rm, oc, pp := c.RunManager, c.Orchestrator, c.Pprof
	out := []durationSetting{
		{"run_manager.shutdown_grace", rm.ShutdownGrace, 0, time.Hour},
		{"run_manager.circuit_base_delay", rm.CircuitBaseDelay, 0, 0},
		{"run_manager.circuit_max_delay", rm.CircuitMaxDelay, 0, 0},
		{"run_manager.circuit_reset_after", rm.CircuitResetAfter, 0, 0},
		{"orchestrator.unavailable_backoff", oc.UnavailableBackoff, 0, time.Hour},
		{"orchestrator.max_backoff", oc.MaxBackoff, 0, day},
		{"orchestrator.refresh", oc.Refresh, time.Second, day},
		{"pprof.read_timeout", pp.ReadTimeout, 0, 0},
		{"pprof.write_timeout", pp.WriteTimeout, 0, 0},
		{"pprof.idle_timeout", pp.IdleTimeout, 0, 0},
	}
	if c.Storage != nil {
		out = append(out, durationSetting{"storage.busy_timeout", c.Storage.BusyTimeout, 0, time.Minute})
	}
	if n := c.Notify; n != nil {
		out = append(out,
			durationSetting{"notify.retry_base", n.RetryBase, 0, time.Minute},
			durationSetting{"notify.retry_max_delay", n.RetryMaxDelay, 0, time.Hour},
			durationSetting{"notify.dedup_window", n.DedupWindow, 0, 7 * day},
		)
	}
	return out
}
