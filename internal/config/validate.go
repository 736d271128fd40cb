package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dbflow/internal/model"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without touching files,
// databases or the network. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range c.durationSettings() {
		add(d.check())
	}

	rm := c.RunManager
	if rm.Workers < 0 || rm.QueueSize < 0 || rm.HistorySize < 0 {
		add(errors.New("run_manager: workers, queue_size and history_size must be >= 0"))
	}

	oc := c.Orchestrator
	if oc.MaxNesting < 0 {
		add(errors.New("orchestrator.max_nesting must be >= 0"))
	}
	defLoc := time.Local
	if tz := strings.TrimSpace(oc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			add(fmt.Errorf("orchestrator.timezone: %w", err))
		} else {
			defLoc = loc
		}
	}

	switch d := c.Storage.driver(); d {
	case "", "none", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", d))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if n := c.Notify; n != nil {
		if _, err := model.ParseStatus(orDefault(n.MinStatus, model.RunFailed.String())); err != nil {
			add(fmt.Errorf("notify.min_status: %w", err))
		}
		if n.Enabled && (strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0) {
			add(errors.New("notify.telegram: token and chat_id are required when notify is enabled"))
		}
	}

	schedules := map[string]bool{}
	for i, s := range c.Schedules {
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(fmt.Errorf("schedules[%d]: name is required", i))
			continue
		case schedules[name]:
			add(fmt.Errorf("schedules[%d]: duplicate name %q", i, name))
			continue
		}
		schedules[name] = true
		if _, err := s.Model().Rule(defLoc); err != nil {
			add(fmt.Errorf("schedules[%d]: %w", i, err))
		}
	}

	jobs := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add(fmt.Errorf("jobs[%d]: name is required", i))
			continue
		case jobs[name]:
			add(fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
			continue
		}
		jobs[name] = true
		if strings.TrimSpace(j.Script) == "" {
			add(fmt.Errorf("jobs[%d] %q: script is required", i, name))
		}
		for _, s := range j.Schedules {
			if !schedules[strings.TrimSpace(s)] {
				add(fmt.Errorf("jobs[%d] %q: unknown schedule %q", i, name, s))
			}
		}
	}
	if (len(c.Jobs) > 0 || len(c.Schedules) > 0) && (c.Storage.driver() == "" || c.Storage.driver() == "none") {
		add(errors.New("jobs and schedules need a storage driver"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Model converts the seed to a stored schedule. Created is left zero so
// storage stamps it on first save.
func (s ScheduleConfig) Model() model.Schedule {
	return model.Schedule{
		Name:       strings.TrimSpace(s.Name),
		Recurrence: s.Recurrence,
		Timezone:   strings.TrimSpace(s.Timezone),
		Enabled:    !s.Disabled,
	}
}

func (j JobConfig) Model() model.Job {
	scheds := make([]string, 0, len(j.Schedules))
	for _, s := range j.Schedules {
		scheds = append(scheds, strings.TrimSpace(s))
	}
	return model.Job{
		Name:      strings.TrimSpace(j.Name),
		Script:    j.Script,
		Props:     j.Props,
		Args:      append([]string(nil), j.Args...),
		Schedules: scheds,
		Enabled:   !j.Disabled,
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
