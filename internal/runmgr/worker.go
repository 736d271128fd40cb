package runmgr

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/pkg/logx"
)

func (m *Manager) worker(ctx context.Context) error {
	for {
		// A cancelled worker context wins over queued work.
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case r := <-m.q:
			m.execOne(r)
		}
	}
}

func (m *Manager) execOne(r *run) {
	log := m.log.ForRun(r.rec.Job, r.rec.ID)

	if err := r.ctx.Err(); err != nil {
		m.mu.Lock()
		r.rec.End = time.Now()
		r.rec.Status = model.RunTerminated
		r.rec.Message = "cancelled before start"
		m.mu.Unlock()
		log.Info("run cancelled before start")
		m.complete(r)
		return
	}

	eng := graph.New(r.g, r.vars,
		graph.WithLogger(log),
		graph.WithEvents(m.bus),
	)
	m.mu.Lock()
	r.engine = eng
	r.rec.Instance = eng.ID()
	r.rec.Start = time.Now()
	rec := r.rec
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Time: rec.Start, Data: RunEvent{Record: rec}})
	log.Debug("run started", logx.String("instance", rec.Instance))

	status, msg := m.drive(r.ctx, eng, log)

	m.mu.Lock()
	r.rec.End = time.Now()
	r.rec.Status = status
	r.rec.Message = msg
	m.mu.Unlock()

	fields := []logx.Field{logx.String("status", status.String()), logx.Duration("elapsed", r.rec.Elapsed())}
	if status == model.RunFailed {
		log.Warn("run finished", append(fields, logx.String("message", msg))...)
	} else {
		log.Info("run finished", fields...)
	}
	m.complete(r)
}

// drive runs eng to completion and maps the outcome to a run status. Errors
// and panics never escape; they become RunFailed.
func (m *Manager) drive(ctx context.Context, eng *graph.Engine, log logx.Logger) (status model.Status, msg string) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			status, msg = model.RunFailed, fmt.Sprintf("panic: %v", p)
		}
	}()
	res, err := eng.Run(ctx)
	if err != nil {
		return model.RunFailed, err.Error()
	}
	switch res.Outcome() {
	case graph.Succeeded:
		return model.RunSucceeded, ""
	case graph.Terminated:
		return model.RunTerminated, "cancelled"
	default:
		return model.RunFailed, res.FirstError()
	}
}
