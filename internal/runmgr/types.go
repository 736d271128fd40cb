// Package runmgr executes process instances on a bounded worker pool and
// hands finished runs back in completion order.
package runmgr

import (
	"errors"
	"time"

	"dbflow/internal/model"
)

var (
	ErrClosed       = errors.New("run manager closed")
	ErrQueueFull    = errors.New("run manager queue full")
	ErrDuplicateRun = errors.New("run id already in flight")
	ErrNotFound     = errors.New("run not in flight")
	ErrCircuitOpen  = errors.New("run skipped: circuit breaker open")
	ErrAbandoned    = errors.New("runs abandoned after shutdown grace")
)

// Config controls the worker pool. Zero values take defaults.
type Config struct {
	Workers       int
	QueueSize     int
	ShutdownGrace time.Duration
	HistorySize   int

	// Consecutive failures of one job before further submissions of that job
	// are refused for a cooldown. 0 or negative disables the breaker.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 30 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 30 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = time.Hour
	}
	return c
}

// RunEvent is published on the run.* event types.
type RunEvent struct {
	Record model.RunRecord
}

// Snapshot is a point-in-time view for status pages.
type Snapshot struct {
	Workers     int
	QueueLen    int
	QueueCap    int
	InFlight    []model.RunRecord
	Unretrieved int
	Closed      bool
	CircuitOpen []string
	History     []model.RunRecord
}
