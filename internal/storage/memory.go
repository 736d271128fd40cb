package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dbflow/internal/model"
)

// tables is the in-memory image shared by the memory and file drivers.
type tables struct {
	jobs      map[string]model.Job
	schedules map[string]model.Schedule
	runs      map[int64]model.RunRecord
	lastID    int64
}

func newTables() tables {
	return tables{
		jobs:      map[string]model.Job{},
		schedules: map[string]model.Schedule{},
		runs:      map[int64]model.RunRecord{},
	}
}

func (t *tables) enabledJobs() []model.Job {
	out := make([]model.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if j.Enabled {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (t *tables) job(name string) (model.Job, error) {
	j, ok := t.jobs[name]
	if !ok {
		return model.Job{}, fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (t *tables) allSchedules() []model.Schedule {
	out := make([]model.Schedule, 0, len(t.schedules))
	for _, s := range t.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (t *tables) putRun(r model.RunRecord) {
	t.runs[r.ID] = r
	if r.ID > t.lastID {
		t.lastID = r.ID
	}
}

func (t *tables) run(id int64) (model.RunRecord, error) {
	r, ok := t.runs[id]
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (t *tables) listRuns(f RunFilter) []model.RunRecord {
	var out []model.RunRecord
	for _, r := range t.runs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func cloneJob(j model.Job) model.Job {
	j.Args = append([]string(nil), j.Args...)
	j.Schedules = append([]string(nil), j.Schedules...)
	return j
}

func validateJob(j model.Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("save job: empty name")
	}
	if strings.TrimSpace(j.Script) == "" {
		return fmt.Errorf("save job %q: empty script", j.Name)
	}
	return nil
}

func prepareSchedule(s model.Schedule) (model.Schedule, error) {
	if strings.TrimSpace(s.Name) == "" {
		return s, fmt.Errorf("save schedule: empty name")
	}
	if s.Created.IsZero() {
		s.Created = time.Now()
	}
	if _, err := s.Rule(nil); err != nil {
		return s, fmt.Errorf("save schedule: %w", err)
	}
	return s, nil
}

func validateRun(r model.RunRecord) error {
	if r.ID <= 0 {
		return fmt.Errorf("save run: invalid id %d", r.ID)
	}
	if strings.TrimSpace(r.Job) == "" {
		return fmt.Errorf("save run %d: empty job", r.ID)
	}
	return nil
}

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu     sync.Mutex
	t      tables
	closed bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{t: newTables()}
}

func (s *memoryStore) lock(op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w: store closed", op, ErrUnavailable)
	}
	return nil
}

func (s *memoryStore) LoadEnabledJobs(ctx context.Context) ([]model.Job, error) {
	if err := s.lock("load jobs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.enabledJobs(), nil
}

func (s *memoryStore) LoadJob(ctx context.Context, name string) (model.Job, error) {
	if err := s.lock("load job"); err != nil {
		return model.Job{}, err
	}
	defer s.mu.Unlock()
	return s.t.job(name)
}

func (s *memoryStore) SaveJob(ctx context.Context, j model.Job) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if err := s.lock("save job"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.t.jobs[j.Name] = cloneJob(j)
	return nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, name string) error {
	if err := s.lock("delete job"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.t.jobs[name]; !ok {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	delete(s.t.jobs, name)
	return nil
}

func (s *memoryStore) LoadSchedules(ctx context.Context) ([]model.Schedule, error) {
	if err := s.lock("load schedules"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.allSchedules(), nil
}

func (s *memoryStore) LoadSchedulesDueAt(ctx context.Context, at time.Time) ([]model.Schedule, error) {
	all, err := s.LoadSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return dueAt(all, at), nil
}

func (s *memoryStore) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	sc, err := prepareSchedule(sc)
	if err != nil {
		return err
	}
	if err := s.lock("save schedule"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.t.schedules[sc.Name] = sc
	return nil
}

func (s *memoryStore) NextRunID(ctx context.Context) (int64, error) {
	if err := s.lock("next run id"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	s.t.lastID++
	return s.t.lastID, nil
}

func (s *memoryStore) SaveRunRecord(ctx context.Context, r model.RunRecord) error {
	if err := validateRun(r); err != nil {
		return err
	}
	if err := s.lock("save run"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.t.putRun(r)
	return nil
}

func (s *memoryStore) LoadRunRecord(ctx context.Context, id int64) (model.RunRecord, error) {
	if err := s.lock("load run"); err != nil {
		return model.RunRecord{}, err
	}
	defer s.mu.Unlock()
	return s.t.run(id)
}

func (s *memoryStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	if err := s.lock("list runs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.listRuns(f), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
