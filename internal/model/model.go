// Package model holds the persisted entities shared by the run manager, the
// orchestrator and storage.
package model

import (
	"fmt"
	"strings"
	"time"

	"dbflow/internal/recurrence"
)

// Status is the lifecycle status of one run.
type Status int

const (
	NotRun Status = iota
	ParseFailed
	RunInProgress
	RunFailed
	RunSucceeded
	RunTerminated
	ControllerShutdown
)

var statusNames = [...]string{
	NotRun:             "NotRun",
	ParseFailed:        "ParseFailed",
	RunInProgress:      "RunInProgress",
	RunFailed:          "RunFailed",
	RunSucceeded:       "RunSucceeded",
	RunTerminated:      "RunTerminated",
	ControllerShutdown: "ControllerShutdown",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus accepts the names returned by String, case-insensitively.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Status(i), nil
		}
	}
	return NotRun, fmt.Errorf("unknown run status %q", s)
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case ParseFailed, RunFailed, RunSucceeded, RunTerminated, ControllerShutdown:
		return true
	default:
		return false
	}
}

// Severity orders statuses from healthy to bad for alert thresholds.
func (s Status) Severity() int {
	switch s {
	case RunSucceeded, NotRun, RunInProgress:
		return 0
	case RunTerminated:
		return 1
	case ControllerShutdown:
		return 2
	default:
		return 3
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RunRecord is the persisted status of one execution attempt of a job.
type RunRecord struct {
	ID       int64     `json:"id"`
	Job      string    `json:"job"`
	Instance string    `json:"instance,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
}

// Elapsed is End-Start, or zero while the run is in progress.
func (r RunRecord) Elapsed() time.Duration {
	if r.End.IsZero() || r.Start.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Job is a persisted job definition.
type Job struct {
	Name      string   `json:"name" yaml:"name"`
	Script    string   `json:"script" yaml:"script"`
	Props     string   `json:"props,omitempty" yaml:"props,omitempty"`
	Args      []string `json:"args,omitempty" yaml:"args,omitempty"`
	Schedules []string `json:"schedules,omitempty" yaml:"schedules,omitempty"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
}

// Schedule is a named recurrence in the textual form accepted by
// recurrence.Parse. Created anchors relative rules such as "Weekly" or
// "Every 2 days" so they stay stable across restarts.
type Schedule struct {
	Name       string    `json:"name" yaml:"name"`
	Recurrence string    `json:"recurrence" yaml:"recurrence"`
	Timezone   string    `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Enabled    bool      `json:"enabled" yaml:"enabled"`
	Created    time.Time `json:"created" yaml:"created,omitempty"`
}

// Location resolves Timezone, falling back to def (or time.Local).
func (s Schedule) Location(def *time.Location) (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		if def == nil {
			return time.Local, nil
		}
		return def, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Rule parses the recurrence text anchored at Created.
func (s Schedule) Rule(def *time.Location) (recurrence.Rule, error) {
	loc, err := s.Location(def)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	anchor := s.Created
	if anchor.IsZero() {
		anchor = time.Now()
	}
	r, err := recurrence.ParseAt(s.Recurrence, anchor, loc)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	return r, nil
}

// DueAt reports whether the schedule fires exactly at t (second precision).
func (s Schedule) DueAt(t time.Time, def *time.Location) bool {
	r, err := s.Rule(def)
	if err != nil {
		return false
	}
	t = t.Truncate(time.Second)
	next, ok := r.NextFrom(t)
	return ok && next.Equal(t)
}
