package orchestrator

import (
	"context"
	"time"
)

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	cfg, loc := o.cfg, o.loc
	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Timezone:  loc.String(),
		LastTick:  o.lastTick,
		NextTick:  o.nextTick,
		LastError: o.lastErr,
	}
	o.mu.Unlock()

	snap.ShuttingDown = o.shutting.Load()
	snap.Submitted = o.submitted.Load()
	snap.Rejected = o.rejected.Load()
	snap.Failed = o.failed.Load()
	snap.Runs = o.runs.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	scheds, err := o.store.LoadSchedules(ctx)
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	now := time.Now()
	for _, s := range scheds {
		it := ScheduleInfo{Name: s.Name, Recurrence: s.Recurrence, Timezone: s.Timezone}
		if r, err := s.Rule(loc); err != nil {
			it.Error = err.Error()
		} else if s.Enabled {
			if next, ok := r.NextFrom(now); ok {
				it.Next = next
			}
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}
