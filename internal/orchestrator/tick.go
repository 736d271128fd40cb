package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/model"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

// loop is the single wait loop shared by all schedules.
func (o *Orchestrator) loop(ctx context.Context) error {
	from := time.Now()
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg, loc := o.settings()
		if !cfg.Enabled {
			o.setNext(time.Time{})
			if !o.idle(ctx, time.Time{}) {
				return nil
			}
			from = time.Now()
			continue
		}

		scheds, err := o.store.LoadSchedules(ctx)
		if err != nil {
			if !o.backoff(ctx, &backoff, "load schedules", err) {
				return nil
			}
			continue
		}
		backoff = 0

		next, ok := earliest(scheds, from, loc, o.log)
		wakeAt := time.Now().Add(cfg.Refresh)
		due := ok && !next.After(wakeAt)
		if due {
			wakeAt = next
			o.setNext(next)
		} else {
			o.setNext(time.Time{})
		}
		if !o.idle(ctx, wakeAt) || ctx.Err() != nil {
			return nil
		}
		now := time.Now()
		if !due || now.Before(next) {
			// Refresh or wake-up: recompute without losing the pending instant.
			if due && next.Before(now) {
				from = next
			} else {
				from = now
			}
			continue
		}

		for {
			err := o.tick(ctx, next.In(loc))
			if err == nil || !errors.Is(err, storage.ErrUnavailable) {
				break
			}
			if !o.backoff(ctx, &backoff, "tick", err) {
				return nil
			}
		}
		backoff = 0
		from = resumeFrom(next, time.Now())
	}
}

// resumeFrom is where the search for the next instant starts after firing
// at fired. Instants that passed while the tick ran are not replayed.
func resumeFrom(fired, now time.Time) time.Time {
	after := fired.Add(time.Second)
	if now.After(after) {
		return now
	}
	return after
}

// idle sleeps until at (forever when zero), a wake-up, or ctx is done. It
// returns false only when ctx is done.
func (o *Orchestrator) idle(ctx context.Context, at time.Time) bool {
	var timerC <-chan time.Time
	if !at.IsZero() {
		t := time.NewTimer(time.Until(at))
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-o.wake:
		return true
	case <-timerC:
		return true
	}
}

func (o *Orchestrator) backoff(ctx context.Context, cur *time.Duration, op string, err error) bool {
	cfg, _ := o.settings()
	if *cur <= 0 {
		*cur = cfg.UnavailableBackoff
	} else {
		*cur = min(*cur*2, cfg.MaxBackoff)
	}
	o.setErr(err)
	o.log.Warn("store unavailable, backing off", logx.String("op", op), logx.Duration("retry_in", *cur), logx.Err(err))
	t := time.NewTimer(*cur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// earliest returns the smallest instant >= from over all enabled schedules.
func earliest(scheds []model.Schedule, from time.Time, loc *time.Location, log logx.Logger) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, s := range scheds {
		if !s.Enabled {
			continue
		}
		r, err := s.Rule(loc)
		if err != nil {
			log.Debug("schedule skipped", logx.String("schedule", s.Name), logx.Err(err))
			continue
		}
		at, ok := r.NextFrom(from)
		if !ok {
			continue
		}
		if !found || at.Before(best) {
			best, found = at, true
		}
	}
	return best, found
}

// tick submits every enabled job attached to a schedule due at the instant
// at, each job at most once. Only load failures are returned.
func (o *Orchestrator) tick(ctx context.Context, at time.Time) error {
	jobs, err := o.store.LoadEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("tick %s: %w", at.Format(time.RFC3339), err)
	}
	due, err := o.store.LoadSchedulesDueAt(ctx, at)
	if err != nil {
		return fmt.Errorf("tick %s: %w", at.Format(time.RFC3339), err)
	}
	dueNames := make(map[string]bool, len(due))
	ev := TickEvent{At: at}
	for _, s := range due {
		dueNames[s.Name] = true
		ev.Schedules = append(ev.Schedules, s.Name)
	}

	seen := map[string]bool{}
	for _, j := range jobs {
		if seen[j.Name] || !attached(j, dueNames) {
			continue
		}
		seen[j.Name] = true
		ev.Jobs = append(ev.Jobs, j.Name)
		if _, err := o.launch(ctx, j, TriggerSchedule); err != nil && ctx.Err() != nil {
			break
		}
	}
	sort.Strings(ev.Jobs)

	o.mu.Lock()
	o.lastTick = at
	o.mu.Unlock()
	o.bus.Publish(eventbus.Event{Type: eventbus.TickFired, Time: at, Data: ev})
	o.log.Debug("tick", logx.Time("at", at), logx.Int("schedules", len(ev.Schedules)), logx.Int("jobs", len(ev.Jobs)))
	return nil
}

func attached(j model.Job, due map[string]bool) bool {
	for _, s := range j.Schedules {
		if due[s] {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setNext(t time.Time) {
	o.mu.Lock()
	o.nextTick = t
	o.mu.Unlock()
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
}
