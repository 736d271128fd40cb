// Package supervisor runs named goroutines under one cancelable context,
// recovering panics and optionally restarting failed loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "dbflow/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A loop that ran at least this long before failing restarts from the
	// minimum backoff again.
	healthyRun = 30 * time.Second
)

// PanicError is the error recorded for a goroutine that panicked.
type PanicError struct {
	Name  string
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Name, e.Value) }

// RoutineStats describes every goroutine started under one name.
type RoutineStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Active     int64          `json:"active"`
	Started    uint64         `json:"started"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	started atomic.Uint64
	active  atomic.Int64

	mu       sync.Mutex
	firstErr error
	routines map[string]*RoutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first goroutine error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{
		log:      logx.Nop(),
		done:     make(chan struct{}),
		routines: make(map[string]*RoutineStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, r := range s.routines {
		snap.Routines = append(snap.Routines, *r)
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Routines, func(a, b RoutineStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn once. A returned error other than context.Canceled, or a
// panic, is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		if err := s.run(name, fn, false); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(name, err)
		}
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after errors and panics with jittered exponential backoff. Restart
// failures are logged, not recorded as the supervisor's error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
	}
	s.spawn(name, func() {
		backoff := minBackoff
		for restart := false; s.ctx.Err() == nil; restart = true {
			began := time.Now()
			err := s.run(name, fn, restart)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if time.Since(began) >= healthyRun {
				backoff = minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(2*backoff, maxBackoff)
		}
	})
}

// Stop cancels the shared context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned, then reports Err. It
// returns ctx.Err() if ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) spawn(name string, body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.stats(name, func(r *RoutineStats) { r.Active++ })
		defer s.stats(name, func(r *RoutineStats) { r.Active-- })
		body()
	}()
}

// run makes one call of fn, converting a panic into a *PanicError.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	s.stats(name, func(r *RoutineStats) {
		r.Runs++
		r.LastStart = time.Now()
		if restart {
			r.Restarts++
		}
	})
	defer func() {
		if v := recover(); v != nil {
			s.stats(name, func(r *RoutineStats) { r.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", v), logx.Stack(string(debug.Stack())))
			err = &PanicError{Name: name, Value: v}
		}
		if err != nil {
			s.stats(name, func(r *RoutineStats) { r.LastErr = err.Error() })
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		if _, ok := err.(*PanicError); !ok {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) stats(name string, fn func(r *RoutineStats)) {
	s.mu.Lock()
	r := s.routines[name]
	if r == nil {
		r = &RoutineStats{Name: name}
		s.routines[name] = r
	}
	fn(r)
	s.mu.Unlock()
}
