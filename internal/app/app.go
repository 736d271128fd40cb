package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/eventbus"
	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/internal/notify"
	"dbflow/internal/notify/telegram"
	"dbflow/internal/observability/pprof"
	"dbflow/internal/orchestrator"
	"dbflow/internal/runmgr"
	rtsup "dbflow/internal/runtime/supervisor"
	"dbflow/internal/script"
	"dbflow/internal/storage"
	logx "dbflow/pkg/logx"
)

// newNotifySender builds the delivery backend for notify. Replaced in tests.
var newNotifySender = func(tc telegram.Config) (notify.Sender, error) {
	return telegram.New(tc)
}

// App is the dbflowd daemon: it owns every long-lived component and applies
// config reloads to them.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pool  *script.Pool
	runs  *runmgr.Manager
	orch  *orchestrator.Orchestrator
	notif *notify.Service
	pprof *pprof.Service

	// compiler settings, swapped on reload
	cmu        sync.Mutex
	scriptDir  string
	maxNesting int
	telegram   telegram.Config

	started time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkMappable(cfg); err != nil {
		return nil, err
	}

	// Alerts go to notify, which needs a logger first; the sender is set
	// right after.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		logSvc.Close()
		return nil, fmt.Errorf("app: %w: set storage.driver", storage.ErrDisabled)
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		pool:  script.NewPool(log.With(logx.String("comp", "sql"))),
	}
	if err := a.build(cfg); err != nil {
		_ = a.pool.Close()
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *Config) error {
	rmCfg, err := mapRunManagerConfig(cfg)
	if err != nil {
		return err
	}
	a.runs = runmgr.New(rmCfg, a.log, a.bus)

	ocfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return err
	}
	a.setCompilerSettings(cfg)
	a.orch, err = orchestrator.New(ocfg, a.store, a.runs, orchestrator.CompilerFunc(a.compile), a.log, a.bus)
	if err != nil {
		return err
	}

	ncfg, tc, err := mapNotifyConfig(cfg)
	if err != nil {
		return err
	}
	var sender notify.Sender
	if ncfg.Enabled {
		if sender, err = newNotifySender(tc); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		a.telegram = tc
	}
	if a.notif, err = notify.New(ncfg, sender, a.log, a.bus); err != nil {
		return err
	}
	a.logs.SetAlertSender(a.notif)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return err
	}
	a.pprof = pprof.New(ppc, a.log, func(ctx context.Context) any { return a.Status(ctx) })
	return nil
}

func (a *App) setCompilerSettings(cfg *Config) {
	a.cmu.Lock()
	a.scriptDir = strings.TrimSpace(cfg.Orchestrator.ScriptDir)
	a.maxNesting = cfg.Orchestrator.MaxNesting
	a.cmu.Unlock()
}

// compile builds a job with the script settings current at launch time.
func (a *App) compile(ctx context.Context, job model.Job) (*graph.Graph, *graph.Vars, error) {
	a.cmu.Lock()
	c := &script.Compiler{Dir: a.scriptDir, Pool: a.pool, Log: a.log.With(logx.String("comp", "script")), MaxNesting: a.maxNesting}
	a.cmu.Unlock()
	return c.Compile(ctx, job)
}

// Reload re-reads the config file now. Accepted changes reach the
// components through the same path as file-watch reloads.
func (a *App) Reload(ctx context.Context) (bool, error) {
	return a.cfgm.Reload(ctx)
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *Config) error {
		return checkMappable(next)
	})

	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := seedDefinitions(seedCtx, a.store, nil, cfg, a.log)
	cancel()
	if err != nil {
		return err
	}

	// Runs outlive the app context; the orchestrator stops them on Stop.
	a.runs.Start(context.WithoutCancel(a.sup.Context()))
	a.orch.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())
	if a.pprof.Enabled() {
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			a.log.Warn("status server not started", logx.Err(err))
		}
	}

	// Debug-level to avoid noise from frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	cfgCh, cfgUnsub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer cfgUnsub()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg := <-cfgCh:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes an accepted config to every component. Storage changes
// need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed("run_manager") {
		if rm, err := mapRunManagerConfig(next); err != nil {
			a.log.Warn("invalid run_manager config; keeping previous", logx.Err(err))
		} else {
			a.runs.Apply(rm)
		}
	}

	if changed("schedules") || changed("jobs") {
		seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := seedDefinitions(seedCtx, a.store, prev, next, a.log); err != nil {
			a.log.Error("definitions not seeded", logx.Err(err))
		}
		cancel()
	}
	a.setCompilerSettings(next)
	if oc, err := mapOrchestratorConfig(next); err != nil {
		a.log.Warn("invalid orchestrator config; keeping previous", logx.Err(err))
	} else if err := a.orch.Apply(oc); err != nil {
		a.log.Warn("orchestrator config rejected; keeping previous", logx.Err(err))
	}

	if changed("notify") {
		a.applyNotify(ctx, next)
	}
	if changed("pprof") {
		if ppc, err := mapPprofConfig(next); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyNotify(ctx context.Context, next *Config) {
	ncfg, tc, err := mapNotifyConfig(next)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	if ncfg.Enabled && tc != a.telegram {
		sender, err := newNotifySender(tc)
		if err != nil {
			a.log.Warn("notify sender not rebuilt; keeping previous", logx.Err(err))
			return
		}
		a.notif.SetSender(sender)
		a.telegram = tc
	}
	if err := a.notif.Apply(ncfg); err != nil {
		a.log.Warn("notify config rejected; keeping previous", logx.Err(err))
		return
	}
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notify disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notify enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The orchestrator drains the run manager, so it gets the grace period
	// plus room to record abandoned runs.
	rm, _ := mapRunManagerConfig(a.cfgm.Get())
	orchMax := rm.ShutdownGrace
	if orchMax <= 0 {
		orchMax = 5 * time.Second
	}
	step("orchestrator", orchMax+3*time.Second, a.orch.Stop)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("sql", time.Second, func(context.Context) error { return a.pool.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
