package orchestrator

import (
	"context"
	"errors"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/model"
	"dbflow/internal/runmgr"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

// launch reserves a run id, compiles the job and submits it. Every reserved
// id gets a persisted record unless the store stays unavailable through the
// save retries.
func (o *Orchestrator) launch(ctx context.Context, job model.Job, trigger Trigger) (int64, error) {
	if o.shutting.Load() {
		return 0, ErrShuttingDown
	}
	id, err := o.store.NextRunID(ctx)
	if err != nil {
		o.setErr(err)
		o.log.Warn("run id unavailable", logx.Job(job.Name), logx.Err(err))
		return 0, err
	}
	log := o.log.ForRun(job.Name, id).With(logx.Trigger(string(trigger)))

	g, vars, err := o.compiler.Compile(ctx, job)
	now := time.Now()
	if err != nil {
		o.failed.Add(1)
		o.save(model.RunRecord{ID: id, Job: job.Name, Start: now, End: now, Status: model.ParseFailed, Message: err.Error()})
		log.Warn("job failed to load", logx.Err(err))
		return id, err
	}

	// The in-progress record must land before the run can finish.
	if err := o.store.SaveRunRecord(ctx, model.RunRecord{ID: id, Job: job.Name, Start: now, Status: model.RunInProgress}); err != nil {
		o.setErr(err)
		log.Warn("run not submitted: record not saved", logx.Err(err))
		o.save(model.RunRecord{ID: id, Job: job.Name, Start: now, End: time.Now(), Status: model.NotRun, Message: "not submitted: " + err.Error()})
		return id, err
	}
	if err := o.runs.Submit(id, job.Name, g, vars); err != nil {
		o.rejected.Add(1)
		o.reportSubmitError(job.Name, err)
		o.save(model.RunRecord{ID: id, Job: job.Name, Start: now, End: time.Now(), Status: model.NotRun, Message: "not submitted: " + err.Error()})
		return id, err
	}
	o.submitted.Add(1)
	log.Debug("run submitted")
	return id, nil
}

// collect writes the record of every finished run until ctx is done.
func (o *Orchestrator) collect(ctx context.Context) error {
	for {
		rec, err := o.runs.GetCompleted(ctx)
		if err != nil {
			return nil
		}
		o.finish(rec)
	}
}

func (o *Orchestrator) finish(rec model.RunRecord) {
	if o.shutting.Load() && rec.Status == model.RunTerminated {
		rec.Status = model.ControllerShutdown
		rec.Message = "controller shutdown: " + rec.Message
	}
	o.save(rec)
}

const saveAttempts = 3

// save persists rec, retrying while the store is unavailable.
func (o *Orchestrator) save(rec model.RunRecord) {
	cfg, _ := o.settings()
	delay := cfg.UnavailableBackoff
	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = o.store.SaveRunRecord(ctx, rec)
		cancel()
		if err == nil || !errors.Is(err, storage.ErrUnavailable) || attempt == saveAttempts {
			break
		}
		time.Sleep(delay)
		delay = min(delay*2, cfg.MaxBackoff)
	}
	if err == nil {
		if rec.Status.Terminal() {
			o.bus.Publish(eventbus.Event{Type: eventbus.RunRecorded, Time: rec.End, Data: rec})
		}
		return
	}
	o.setErr(err)
	o.log.Error("run record not saved",
		logx.RunID(rec.ID),
		logx.Job(rec.Job),
		logx.String("status", rec.Status.String()),
		logx.Err(err),
	)
}

const submitWarnThrottle = 5 * time.Second

func (o *Orchestrator) reportSubmitError(job string, err error) {
	// An open circuit is expected while a job keeps failing.
	if errors.Is(err, runmgr.ErrCircuitOpen) {
		o.log.Debug("run skipped: circuit open", logx.Job(job))
		return
	}

	now := time.Now()
	o.enqMu.Lock()
	last := o.lastEnqWarn[job]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		o.enqMu.Unlock()
		return
	}
	o.lastEnqWarn[job] = now
	o.enqMu.Unlock()

	o.log.Warn("run failed to submit", logx.Job(job), logx.Err(err))
}
