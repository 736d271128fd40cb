package orchestrator

import (
	"context"
	"errors"
	"time"

	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/internal/runmgr"
)

var ErrShuttingDown = errors.New("orchestrator shutting down")

// Config controls the orchestrator.
type Config struct {
	Enabled bool
	// Timezone is the IANA zone used for schedules without their own.
	Timezone string
	// UnavailableBackoff is the first retry delay after the store reports
	// ErrUnavailable. It doubles up to MaxBackoff.
	UnavailableBackoff time.Duration
	MaxBackoff         time.Duration
	// Refresh bounds how long the tick loop sleeps before reloading
	// schedules, so new or edited schedules are picked up.
	Refresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnavailableBackoff <= 0 {
		c.UnavailableBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBackoff < c.UnavailableBackoff {
		c.MaxBackoff = c.UnavailableBackoff
	}
	if c.Refresh <= 0 {
		c.Refresh = 30 * time.Second
	}
	return c
}

// Compiler turns a job definition into a runnable graph and its initial
// variables. Errors are recorded as ParseFailed runs.
type Compiler interface {
	Compile(ctx context.Context, job model.Job) (*graph.Graph, *graph.Vars, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, job model.Job) (*graph.Graph, *graph.Vars, error)

func (f CompilerFunc) Compile(ctx context.Context, job model.Job) (*graph.Graph, *graph.Vars, error) {
	return f(ctx, job)
}

// Trigger says why a run was launched.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// TickEvent is the payload of eventbus.TickFired.
type TickEvent struct {
	At        time.Time
	Schedules []string
	Jobs      []string
}

type ScheduleInfo struct {
	Name       string
	Recurrence string
	Timezone   string
	Next       time.Time
	Error      string
}

type Snapshot struct {
	Enabled      bool
	Timezone     string
	ShuttingDown bool

	LastTick  time.Time
	NextTick  time.Time
	Submitted uint64
	Rejected  uint64
	Failed    uint64 // ParseFailed launches
	LastError string

	Schedules []ScheduleInfo
	Runs      runmgr.Snapshot
}
