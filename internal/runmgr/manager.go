package runmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/graph"
	"dbflow/internal/model"
	rtsup "dbflow/internal/runtime/supervisor"
	"dbflow/pkg/logx"
)

// Manager runs submitted process instances on a pool of supervised workers.
//
// The in-flight table and the completion queue share one mutex: a run is
// registered before it can possibly finish, and GetCompleted removes it
// from the table in the same critical section that dequeues it.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	q        chan *run
	inflight map[int64]*run
	done     []*run
	notify   chan struct{}
	pending  int // in flight and not yet finished
	closed   bool
	sealed   bool
	drained  chan struct{}

	base       context.Context
	cancelBase context.CancelFunc
	sup        *rtsup.Supervisor

	circuits circuitStore

	hmu     sync.Mutex
	history []model.RunRecord
}

type run struct {
	rec      model.RunRecord
	g        *graph.Graph
	vars     *graph.Vars
	ctx      context.Context
	cancel   context.CancelFunc
	finished bool
	engine   *graph.Engine
}

// New builds a Manager. Workers start with Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "runmgr")),
		bus:      bus,
		q:        make(chan *run, cfg.QueueSize),
		inflight: make(map[int64]*run),
		notify:   make(chan struct{}, 1),
		drained:  make(chan struct{}),
	}
}

// Start launches the workers. Runs are not cancelled by ctx; use StopAll.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil || m.closed {
		return
	}
	m.base, m.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < m.cfg.Workers; i++ {
		idx := i
		m.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return m.worker(c)
		}, 100*time.Millisecond, 5*time.Second)
	}
	m.log.Info("run manager started", logx.Int("workers", m.cfg.Workers), logx.Int("queue", cap(m.q)))
}

// Apply updates the settings that can change without restarting workers.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg.HistorySize = cfg.HistorySize
	m.cfg.ShutdownGrace = cfg.ShutdownGrace
	m.cfg.CircuitTripFailures = cfg.CircuitTripFailures
	m.cfg.CircuitBaseDelay = cfg.CircuitBaseDelay
	m.cfg.CircuitMaxDelay = cfg.CircuitMaxDelay
	m.cfg.CircuitResetAfter = cfg.CircuitResetAfter
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Submit registers run id as RunInProgress and queues it. It never blocks.
func (m *Manager) Submit(id int64, job string, g *graph.Graph, vars *graph.Vars) error {
	if g == nil {
		return fmt.Errorf("submit run %d: nil graph", id)
	}
	now := time.Now()
	cfg := m.config()
	if open, until := m.circuits.isOpen(now, job, cfg); open {
		m.log.Debug("run refused: circuit open", logx.Job(job), logx.Time("until", until))
		return ErrCircuitOpen
	}
	if vars == nil {
		vars = graph.NewVars(nil)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sup == nil {
		m.mu.Unlock()
		return fmt.Errorf("submit run %d: manager not started", id)
	}
	if _, dup := m.inflight[id]; dup {
		m.mu.Unlock()
		return ErrDuplicateRun
	}
	ctx, cancel := context.WithCancel(m.base)
	r := &run{
		rec:    model.RunRecord{ID: id, Job: job, Start: now, Status: model.RunInProgress},
		g:      g,
		vars:   vars,
		ctx:    ctx,
		cancel: cancel,
	}
	select {
	case m.q <- r:
	default:
		m.mu.Unlock()
		cancel()
		m.log.Warn("run refused: queue full", logx.RunID(id), logx.Job(job), logx.Int("queue_cap", cap(m.q)))
		return ErrQueueFull
	}
	m.inflight[id] = r
	m.pending++
	rec := r.rec
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.RunSubmitted, Time: now, Data: RunEvent{Record: rec}})
	return nil
}

// GetCompleted blocks until a submitted run finishes and returns its record.
// Each run is delivered exactly once.
func (m *Manager) GetCompleted(ctx context.Context) (model.RunRecord, error) {
	for {
		m.mu.Lock()
		if len(m.done) > 0 {
			r := m.done[0]
			m.done[0] = nil
			m.done = m.done[1:]
			delete(m.inflight, r.rec.ID)
			more := len(m.done) > 0
			m.mu.Unlock()
			if more {
				m.signal()
			}
			return r.rec, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.RunRecord{}, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Stop requests cancellation of an in-flight run. It reports false when the
// run has already finished but not yet been retrieved.
func (m *Manager) Stop(id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inflight[id]
	if !ok {
		return false, fmt.Errorf("stop run %d: %w", id, ErrNotFound)
	}
	if r.finished {
		return false, nil
	}
	r.cancel()
	return true, nil
}

// StopAll requests cancellation of every unfinished run and returns how many
// were asked to stop.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.inflight {
		if !r.finished {
			r.cancel()
			n++
		}
	}
	return n
}

// InFlight returns the records of runs that have not finished.
func (m *Manager) InFlight() []model.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RunRecord, 0, m.pending)
	for _, r := range m.inflight {
		if !r.finished {
			rec := r.rec
			if r.engine != nil {
				rec.Instance = r.engine.ID()
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Seal hands back every run not yet retrieved: finished runs with their
// final records and unfinished runs as they stand. Runs that finish later
// are no longer queued for GetCompleted. Used once, at shutdown.
func (m *Manager) Seal() (finished, unfinished []model.RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
	for _, r := range m.done {
		finished = append(finished, r.rec)
		delete(m.inflight, r.rec.ID)
	}
	m.done = nil
	for _, r := range m.inflight {
		rec := r.rec
		if r.engine != nil {
			rec.Instance = r.engine.ID()
		}
		unfinished = append(unfinished, rec)
	}
	sort.Slice(unfinished, func(i, j int) bool { return unfinished[i].ID < unfinished[j].ID })
	return finished, unfinished
}

// Close stops accepting submissions and waits up to the shutdown grace (or
// ctx) for unfinished runs. Workers are stopped afterwards; runs still going
// are cancelled and abandoned, and ErrAbandoned is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.pending == 0 {
		close(m.drained)
	}
	grace := m.cfg.ShutdownGrace
	sup := m.sup
	m.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	var err error
	select {
	case <-m.drained:
	case <-timer.C:
		err = m.abandon("grace elapsed")
	case <-ctx.Done():
		err = m.abandon(ctx.Err().Error())
	}

	if sup != nil {
		sup.Cancel()
		if err == nil {
			waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = sup.Wait(waitCtx)
			cancel()
		}
	}
	if m.cancelBase != nil {
		m.cancelBase()
	}
	m.log.Info("run manager stopped")
	return err
}

func (m *Manager) abandon(reason string) error {
	left := m.InFlight()
	if len(left) == 0 {
		return nil
	}
	for _, rec := range left {
		m.log.Warn("abandoning unfinished run", logx.RunID(rec.ID), logx.Job(rec.Job), logx.String("reason", reason))
	}
	m.StopAll()
	return fmt.Errorf("%w: %d", ErrAbandoned, len(left))
}

// History returns the most recent finished runs, oldest first.
func (m *Manager) History() []model.RunRecord {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return append([]model.RunRecord(nil), m.history...)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Workers:     m.cfg.Workers,
		QueueLen:    len(m.q),
		QueueCap:    cap(m.q),
		Unretrieved: len(m.done),
		Closed:      m.closed,
	}
	m.mu.Unlock()
	snap.InFlight = m.InFlight()
	snap.CircuitOpen = m.circuits.open(time.Now())
	snap.History = m.History()
	return snap
}

// complete records a finished run and makes it available to GetCompleted.
func (m *Manager) complete(r *run) {
	m.mu.Lock()
	cfg := m.cfg
	rec := r.rec
	m.mu.Unlock()

	m.hmu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > cfg.HistorySize {
		m.history = m.history[len(m.history)-cfg.HistorySize:]
	}
	m.hmu.Unlock()
	m.circuits.record(rec.End, rec.Job, cfg, rec.Status == model.RunFailed)

	m.mu.Lock()
	r.finished = true
	if m.sealed {
		delete(m.inflight, r.rec.ID)
	} else {
		m.done = append(m.done, r)
	}
	m.pending--
	if m.closed && m.pending == 0 {
		close(m.drained)
	}
	m.mu.Unlock()
	r.cancel()
	m.signal()

	m.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: rec.End, Data: RunEvent{Record: rec}})
}
