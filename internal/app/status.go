package app

import (
	"context"
	"time"

	"dbflow/internal/notify"
	"dbflow/internal/orchestrator"
	rtsup "dbflow/internal/runtime/supervisor"
)

// Status is served as JSON by the debug server's /status page.
type Status struct {
	Started      time.Time             `json:"started"`
	Uptime       string                `json:"uptime"`
	Orchestrator orchestrator.Snapshot `json:"orchestrator"`
	Notify       []notify.HistoryItem  `json:"notify,omitempty"`
	Supervisor   rtsup.Snapshot        `json:"supervisor"`
	// EventsDropped counts events lost to slow subscribers.
	EventsDropped uint64 `json:"events_dropped"`
}

// Status collects a point-in-time view of every component.
func (a *App) Status(_ context.Context) Status {
	st := Status{
		Started: a.started,
		Uptime:  time.Since(a.started).Round(time.Second).String(),
	}
	if a.orch != nil {
		st.Orchestrator = a.orch.Snapshot()
	}
	if a.notif != nil {
		st.Notify = a.notif.History()
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.bus != nil {
		st.EventsDropped = a.bus.Dropped()
	}
	return st
}
