package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/model"
	"dbflow/internal/runmgr"
	rtsup "dbflow/internal/runtime/supervisor"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

// Orchestrator is constructed explicitly and owns the shutdown of the run
// manager it is given.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	runs     *runmgr.Manager
	compiler Compiler

	tickSup    *rtsup.Supervisor
	collectSup *rtsup.Supervisor
	wake       chan struct{}
	shutting   atomic.Bool
	stopped    chan struct{}

	lastTick  time.Time
	nextTick  time.Time
	lastErr   string
	submitted atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64

	// Submit error throttling: key is job name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, store storage.Store, runs *runmgr.Manager, compiler Compiler, log logx.Logger, bus eventbus.Bus) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("orchestrator: %w", storage.ErrDisabled)
	}
	if runs == nil || compiler == nil {
		return nil, errors.New("orchestrator: run manager and compiler are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:         cfg,
		loc:         loc,
		log:         log.With(logx.String("comp", "orchestrator")),
		bus:         bus,
		store:       store,
		runs:        runs,
		compiler:    compiler,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		lastEnqWarn: map[string]time.Time{},
	}, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("orchestrator timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (o *Orchestrator) settings() (Config, *time.Location) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg, o.loc
}

// Apply updates the configuration. A bad timezone keeps the previous one.
func (o *Orchestrator) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	o.mu.Lock()
	old := o.cfg
	o.cfg = cfg
	o.loc = loc
	o.mu.Unlock()
	if old.Enabled != cfg.Enabled || old.Timezone != cfg.Timezone {
		o.log.Info("orchestrator settings changed", logx.Bool("enabled", cfg.Enabled), logx.String("tz", loc.String()))
	}
	o.Wake()
	return nil
}

// Wake makes the tick loop reload schedules now.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the tick loop and the completion collector. The collector
// is not tied to ctx; it runs until Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tickSup != nil {
		return
	}
	o.tickSup = rtsup.New(ctx, rtsup.WithLogger(o.log), rtsup.WithCancelOnError(false))
	o.collectSup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(o.log), rtsup.WithCancelOnError(false))

	o.tickSup.GoRestart("tick", o.loop, 100*time.Millisecond, 5*time.Second)
	o.collectSup.GoRestart("collect", o.collect, 100*time.Millisecond, 5*time.Second)
	o.log.Info("orchestrator started", logx.Bool("enabled", o.cfg.Enabled), logx.String("tz", o.loc.String()))
}

// Stop performs the planned shutdown: ticking stops, every unfinished run is
// cancelled, the run manager gets its grace period, and whatever is still
// running afterwards is recorded as ControllerShutdown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.shutting.CompareAndSwap(false, true) {
		select {
		case <-o.stopped:
		case <-ctx.Done():
		}
		return nil
	}
	defer close(o.stopped)
	start := time.Now()
	o.log.Info("stop requested")

	o.mu.Lock()
	tickSup, collectSup := o.tickSup, o.collectSup
	o.mu.Unlock()

	if tickSup != nil {
		tickSup.Cancel()
		_ = tickSup.Wait(ctx)
	}

	n := o.runs.StopAll()
	closeErr := o.runs.Close(ctx)
	if closeErr != nil && !errors.Is(closeErr, runmgr.ErrAbandoned) {
		o.log.Warn("run manager close failed", logx.Err(closeErr))
	}

	if collectSup != nil {
		collectSup.Cancel()
		_ = collectSup.Wait(ctx)
	}
	// Completions the collector did not pick up, and runs still going. A run
	// finishing after Seal is not queued, so nothing slips between the two.
	finished, abandoned := o.runs.Seal()
	for _, rec := range finished {
		o.finish(rec)
	}
	drained := len(finished)
	now := time.Now()
	for _, rec := range abandoned {
		rec.End = now
		rec.Status = model.ControllerShutdown
		rec.Message = "abandoned"
		o.save(rec)
	}

	o.log.Info("orchestrator stopped",
		logx.Int("cancelled", n),
		logx.Int("drained", drained),
		logx.Int("abandoned", len(abandoned)),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// RunNow launches a job immediately, regardless of its schedules or
// enabled flag.
func (o *Orchestrator) RunNow(ctx context.Context, name string) (int64, error) {
	if o.shutting.Load() {
		return 0, ErrShuttingDown
	}
	job, err := o.store.LoadJob(ctx, name)
	if err != nil {
		return 0, err
	}
	return o.launch(ctx, job, TriggerManual)
}

// StopRun cancels one run. It reports false when the run already finished.
func (o *Orchestrator) StopRun(id int64) (bool, error) {
	return o.runs.Stop(id)
}

// Run returns the persisted record of one run.
func (o *Orchestrator) Run(ctx context.Context, id int64) (model.RunRecord, error) {
	return o.store.LoadRunRecord(ctx, id)
}

// Runs lists persisted run records, newest first.
func (o *Orchestrator) Runs(ctx context.Context, f storage.RunFilter) ([]model.RunRecord, error) {
	return o.store.ListRuns(ctx, f)
}
