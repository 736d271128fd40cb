package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"dbflow/internal/model"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

// seedResult counts what a seed pass wrote.
type seedResult struct {
	Schedules int
	Jobs      int
	Disabled  int
	Deleted   int
}

// seedDefinitions writes the schedules and jobs of cfg to store. Unchanged
// definitions are not rewritten, and a stored schedule keeps its Created
// time so relative rules stay anchored. Definitions present in prev but
// gone from cfg are retired: schedules are disabled, jobs deleted.
func seedDefinitions(ctx context.Context, store storage.Store, prev, cfg *Config, log logx.Logger) (seedResult, error) {
	var res seedResult
	if store == nil || cfg == nil {
		return res, nil
	}

	stored, err := store.LoadSchedules(ctx)
	if err != nil {
		return res, fmt.Errorf("seed: load schedules: %w", err)
	}
	existing := make(map[string]model.Schedule, len(stored))
	for _, s := range stored {
		existing[s.Name] = s
	}

	now := time.Now()
	want := make(map[string]bool, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		m := sc.Model()
		want[m.Name] = true
		if old, ok := existing[m.Name]; ok {
			if old.Recurrence == m.Recurrence && old.Timezone == m.Timezone && old.Enabled == m.Enabled {
				continue
			}
			m.Created = old.Created
		} else {
			m.Created = now
		}
		if err := store.SaveSchedule(ctx, m); err != nil {
			return res, fmt.Errorf("seed: schedule %q: %w", m.Name, err)
		}
		res.Schedules++
	}

	wantJobs := make(map[string]bool, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		j := jc.Model()
		wantJobs[j.Name] = true
		if old, err := store.LoadJob(ctx, j.Name); err == nil && sameJob(old, j) {
			continue
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return res, fmt.Errorf("seed: job %q: %w", j.Name, err)
		}
		if err := store.SaveJob(ctx, j); err != nil {
			return res, fmt.Errorf("seed: job %q: %w", j.Name, err)
		}
		res.Jobs++
	}

	if prev != nil {
		for _, sc := range prev.Schedules {
			name := sc.Model().Name
			old, ok := existing[name]
			if want[name] || !ok || !old.Enabled {
				continue
			}
			old.Enabled = false
			if err := store.SaveSchedule(ctx, old); err != nil {
				return res, fmt.Errorf("seed: retire schedule %q: %w", name, err)
			}
			res.Disabled++
		}
		for _, jc := range prev.Jobs {
			name := jc.Model().Name
			if wantJobs[name] {
				continue
			}
			err := store.DeleteJob(ctx, name)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("seed: retire job %q: %w", name, err)
			}
			res.Deleted++
		}
	}

	if res != (seedResult{}) {
		log.Info("definitions seeded",
			logx.Int("schedules", res.Schedules),
			logx.Int("jobs", res.Jobs),
			logx.Int("schedules_disabled", res.Disabled),
			logx.Int("jobs_deleted", res.Deleted),
		)
	}
	return res, nil
}

func sameJob(a, b model.Job) bool {
	return a.Name == b.Name &&
		a.Script == b.Script &&
		a.Props == b.Props &&
		a.Enabled == b.Enabled &&
		slices.Equal(a.Args, b.Args) &&
		slices.Equal(a.Schedules, b.Schedules)
}
