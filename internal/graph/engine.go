package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbflow/internal/eventbus"
	"dbflow/pkg/logx"
)

// TaskResult is the final record of one task in one process instance.
type TaskResult struct {
	Name  string
	State State
	Err   string
	Start time.Time
	End   time.Time
}

// Result is the outcome of Engine.Run.
type Result struct {
	ID    string
	Start time.Time
	End   time.Time
	Tasks []TaskResult // definition order
}

// State returns the final state of the named task.
func (r *Result) State(name string) State {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t.State
		}
	}
	return Waiting
}

// Outcome folds task states into a process outcome: Terminated if any task
// was terminated, else Failed if any task failed, else Succeeded.
func (r *Result) Outcome() State {
	out := Succeeded
	for _, t := range r.Tasks {
		switch t.State {
		case Terminated:
			return Terminated
		case Failed:
			out = Failed
		}
	}
	return out
}

// FirstError returns "task: message" for the first failed task, if any.
func (r *Result) FirstError() string {
	for _, t := range r.Tasks {
		if t.State == Failed && t.Err != "" {
			return t.Name + ": " + t.Err
		}
	}
	return ""
}

// TaskEvent is published on eventbus.TaskFinished.
type TaskEvent struct {
	Instance string
	Task     string
	State    State
	Err      string
	Elapsed  time.Duration
}

type Option func(*Engine)

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

func WithEvents(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithID overrides the generated instance id.
func WithID(id string) Option { return func(e *Engine) { e.id = id } }

// Engine drives one process instance of a Graph. It is single-use.
type Engine struct {
	g    *Graph
	vars *Vars
	id   string
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	tasks   []TaskResult

	// owned by the Run goroutine
	remaining int
	runCtx    context.Context
	done      chan completion
}

type completion struct {
	index int
	err   error
	stack []byte
}

// New instantiates g with vars. A nil vars gets an empty table.
func New(g *Graph, vars *Vars, opts ...Option) *Engine {
	if vars == nil {
		vars = NewVars(nil)
	}
	e := &Engine{g: g, vars: vars, bus: eventbus.Nop{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	e.log = e.log.With(logx.String("instance", e.id))
	e.tasks = make([]TaskResult, len(g.nodes))
	for i, n := range g.nodes {
		e.tasks[i] = TaskResult{Name: n.def.Name, State: Waiting}
	}
	return e
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Vars() *Vars { return e.vars }

// States returns a snapshot of every task's current state.
func (e *Engine) States() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State, len(e.tasks))
	for _, t := range e.tasks {
		out[t.Name] = t.State
	}
	return out
}

// Close cancels the instance. Tasks that have not started become Terminated;
// running actions see their context cancelled.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
}

// Run drives every task to a terminal state and returns when the last one
// terminates. Cancelling ctx has the same effect as Close.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	if e.closed {
		cancel()
	}
	e.mu.Unlock()
	defer cancel()

	res := &Result{ID: e.id, Start: time.Now()}
	e.runCtx = runCtx
	e.remaining = len(e.g.nodes)
	// Buffered so action goroutines never block on send.
	e.done = make(chan completion, len(e.g.nodes))

	for i := range e.g.nodes {
		if e.g.nodes[i].def.After == nil {
			e.transition(i, Ready, "")
			e.admit(i)
		}
	}

	cancelled := false
	for e.remaining > 0 {
		if cancelled {
			e.finish(<-e.done)
			continue
		}
		select {
		case c := <-e.done:
			e.finish(c)
		case <-runCtx.Done():
			cancelled = true
			e.terminatePending()
		}
	}

	res.End = time.Now()
	e.mu.Lock()
	res.Tasks = append([]TaskResult(nil), e.tasks...)
	e.mu.Unlock()
	e.log.Debug("process instance finished",
		logx.String("outcome", res.Outcome().String()),
		logx.Duration("elapsed", res.End.Sub(res.Start)))
	return res, nil
}

func (e *Engine) state(i int) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[i].State
}

// transition applies a validated state change and reports whether it took.
func (e *Engine) transition(i int, to State, msg string) bool {
	e.mu.Lock()
	t := &e.tasks[i]
	from := t.State
	if !allowed(from, to) {
		e.mu.Unlock()
		e.log.Error("illegal task transition",
			logx.Task(t.Name), logx.String("from", from.String()), logx.String("to", to.String()))
		return false
	}
	t.State = to
	now := time.Now()
	switch {
	case to == Running:
		t.Start = now
	case to.Terminal():
		t.End = now
		t.Err = msg
	}
	ev := TaskEvent{Instance: e.id, Task: t.Name, State: to, Err: msg}
	if !t.Start.IsZero() {
		ev.Elapsed = now.Sub(t.Start)
	}
	e.mu.Unlock()

	if to.Terminal() {
		e.remaining--
		e.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
		fields := []logx.Field{logx.Task(ev.Task), logx.String("state", to.String()), logx.Duration("elapsed", ev.Elapsed)}
		if to == Failed {
			e.log.Warn("task failed", append(fields, logx.String("error", msg))...)
		} else {
			e.log.Debug("task finished", fields...)
		}
	}
	return true
}

// admit runs the guard of a Ready task and dispatches it.
func (e *Engine) admit(i int) {
	def := e.g.nodes[i].def
	if e.runCtx.Err() != nil {
		e.transition(i, Terminated, "cancelled before start")
		e.propagate(i)
		return
	}
	if def.Guard != nil {
		ok, err := evalGuard(def.Guard, e.vars)
		if err != nil {
			e.transition(i, Failed, "guard: "+err.Error())
			e.propagate(i)
			return
		}
		if !ok {
			e.transition(i, Skipped, "guard false")
			e.propagate(i)
			return
		}
	}
	if e.transition(i, Running, "") {
		go e.exec(i, def)
	}
}

func evalGuard(g Guard, vars *Vars) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return g.Eval(vars)
}

func (e *Engine) exec(i int, def TaskDef) {
	ctx := e.runCtx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	c := completion{index: i}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("panic: %v", r)
				c.stack = debug.Stack()
			}
		}()
		c.err = def.Action.Run(ctx, e.vars)
	}()
	e.done <- c
}

func (e *Engine) finish(c completion) {
	name := e.g.nodes[c.index].def.Name
	var to State
	msg := ""
	switch {
	case c.err == nil:
		to = Succeeded
	case e.runCtx.Err() != nil || errors.Is(c.err, context.Canceled):
		to, msg = Terminated, c.err.Error()
	default:
		to, msg = Failed, c.err.Error()
	}
	if c.stack != nil {
		e.log.Error("task panic recovered", logx.Task(name), logx.Err(c.err), logx.Stack(string(c.stack)))
	}
	e.transition(c.index, to, msg)
	e.propagate(c.index)
}

// propagate re-evaluates every Waiting dependent of task i.
func (e *Engine) propagate(i int) {
	if e.runCtx.Err() != nil {
		e.terminatePending()
		return
	}
	for _, j := range e.g.dependents[i] {
		if e.state(j) != Waiting {
			continue
		}
		switch e.g.nodes[j].def.After.eval(e.States()) {
		case yes:
			// A satisfied OR still waits for its other operands.
			if !e.depsTerminal(j) {
				continue
			}
			if e.transition(j, Ready, "") {
				e.admit(j)
			}
		case no:
			e.transition(j, Skipped, "dependency not satisfied")
			e.propagate(j)
		}
	}
}

func (e *Engine) depsTerminal(j int) bool {
	for _, d := range e.g.deps[j] {
		if !e.state(d).Terminal() {
			return false
		}
	}
	return true
}

func (e *Engine) terminatePending() {
	for i := range e.g.nodes {
		if st := e.state(i); st == Waiting || st == Ready {
			e.transition(i, Terminated, "cancelled")
		}
	}
}
