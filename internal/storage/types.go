package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"dbflow/internal/model"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("storage unavailable")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the orchestrator and the commands.
type Store interface {
	LoadEnabledJobs(ctx context.Context) ([]model.Job, error)
	LoadJob(ctx context.Context, name string) (model.Job, error)
	SaveJob(ctx context.Context, j model.Job) error
	DeleteJob(ctx context.Context, name string) error

	LoadSchedules(ctx context.Context) ([]model.Schedule, error)
	// LoadSchedulesDueAt returns the enabled schedules that fire exactly at
	// the instant at. Schedules without a timezone use at's location.
	LoadSchedulesDueAt(ctx context.Context, at time.Time) ([]model.Schedule, error)
	SaveSchedule(ctx context.Context, s model.Schedule) error

	// NextRunID reserves a fresh, strictly increasing run id.
	NextRunID(ctx context.Context) (int64, error)
	SaveRunRecord(ctx context.Context, r model.RunRecord) error
	LoadRunRecord(ctx context.Context, id int64) (model.RunRecord, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error)

	Close() error
}

// RunFilter selects run records. Zero fields match everything. Results are
// ordered newest first.
type RunFilter struct {
	Job      string
	Statuses []model.Status
	Since    time.Time // Start at or after
	Limit    int
}

func (f RunFilter) match(r model.RunRecord) bool {
	if f.Job != "" && r.Job != f.Job {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if !f.Since.IsZero() && r.Start.Before(f.Since) {
		return false
	}
	return true
}

func dueAt(all []model.Schedule, at time.Time) []model.Schedule {
	var out []model.Schedule
	for _, s := range all {
		if s.Enabled && s.DueAt(at, at.Location()) {
			out = append(out, s)
		}
	}
	return out
}
