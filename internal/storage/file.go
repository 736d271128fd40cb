package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dbflow/internal/model"
	"dbflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.defs.json          (jobs and schedules, rewritten on change)
//   - <prefix>.runs.snapshot.json (periodic snapshot of run records)
//   - <prefix>.runs.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	t  tables

	defsPath     string
	snapshotPath string
	journal      *os.File

	journalWrites int
	compactEvery  int
}

type defsFile struct {
	Jobs      []model.Job      `json:"jobs"`
	Schedules []model.Schedule `json:"schedules"`
}

type runsSnapshot struct {
	LastID int64             `json:"last_id"`
	Runs   []model.RunRecord `json:"runs"`
}

// journalEntry is either an id reservation or a run record upsert.
type journalEntry struct {
	Reserve int64            `json:"reserve,omitempty"`
	Run     *model.RunRecord `json:"run,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		t:            newTables(),
		defsPath:     prefix + ".defs.json",
		snapshotPath: prefix + ".runs.snapshot.json",
		compactEvery: 1000,
	}
	if err := s.loadDefs(); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".runs.journal.jsonl"
	if err := s.replay(journalPath); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("jobs", len(s.t.jobs)), logx.Int("runs", len(s.t.runs)))
	return s, nil
}

func (s *fileStore) loadDefs() error {
	b, err := os.ReadFile(s.defsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var d defsFile
	if err := json.Unmarshal(b, &d); err != nil {
		return fmt.Errorf("decode %s: %w", s.defsPath, err)
	}
	for _, j := range d.Jobs {
		s.t.jobs[j.Name] = j
	}
	for _, sc := range d.Schedules {
		s.t.schedules[sc.Name] = sc
	}
	return nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap runsSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.snapshotPath, err)
	}
	for _, r := range snap.Runs {
		s.t.putRun(r)
	}
	s.t.lastID = max(s.t.lastID, snap.LastID)
	return nil
}

// replay applies journal lines on top of the snapshot. A torn last line is
// skipped.
func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		if e.Run != nil && e.Run.ID > 0 {
			s.t.putRun(*e.Run)
		}
		s.t.lastID = max(s.t.lastID, e.Reserve)
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable journal lines", logx.Int("count", skipped))
	}
	return sc.Err()
}

func (s *fileStore) lock(op string) error {
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w: store closed", op, ErrUnavailable)
	}
	return nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) LoadEnabledJobs(ctx context.Context) ([]model.Job, error) {
	if err := s.lock("load jobs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.enabledJobs(), nil
}

func (s *fileStore) LoadJob(ctx context.Context, name string) (model.Job, error) {
	if err := s.lock("load job"); err != nil {
		return model.Job{}, err
	}
	defer s.mu.Unlock()
	return s.t.job(name)
}

func (s *fileStore) SaveJob(ctx context.Context, j model.Job) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if err := s.lock("save job"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	prev, had := s.t.jobs[j.Name]
	s.t.jobs[j.Name] = cloneJob(j)
	if err := s.writeDefsLocked(); err != nil {
		if had {
			s.t.jobs[j.Name] = prev
		} else {
			delete(s.t.jobs, j.Name)
		}
		return ioErr("save job", err)
	}
	return nil
}

func (s *fileStore) DeleteJob(ctx context.Context, name string) error {
	if err := s.lock("delete job"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	prev, ok := s.t.jobs[name]
	if !ok {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	delete(s.t.jobs, name)
	if err := s.writeDefsLocked(); err != nil {
		s.t.jobs[name] = prev
		return ioErr("delete job", err)
	}
	return nil
}

func (s *fileStore) LoadSchedules(ctx context.Context) ([]model.Schedule, error) {
	if err := s.lock("load schedules"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.allSchedules(), nil
}

func (s *fileStore) LoadSchedulesDueAt(ctx context.Context, at time.Time) ([]model.Schedule, error) {
	all, err := s.LoadSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return dueAt(all, at), nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	sc, err := prepareSchedule(sc)
	if err != nil {
		return err
	}
	if err := s.lock("save schedule"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	prev, had := s.t.schedules[sc.Name]
	s.t.schedules[sc.Name] = sc
	if err := s.writeDefsLocked(); err != nil {
		if had {
			s.t.schedules[sc.Name] = prev
		} else {
			delete(s.t.schedules, sc.Name)
		}
		return ioErr("save schedule", err)
	}
	return nil
}

func (s *fileStore) NextRunID(ctx context.Context) (int64, error) {
	if err := s.lock("next run id"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	id := s.t.lastID + 1
	if err := s.appendLocked(journalEntry{Reserve: id}); err != nil {
		return 0, ioErr("next run id", err)
	}
	s.t.lastID = id
	return id, nil
}

func (s *fileStore) SaveRunRecord(ctx context.Context, r model.RunRecord) error {
	if err := validateRun(r); err != nil {
		return err
	}
	if err := s.lock("save run"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Run: &r}); err != nil {
		return ioErr("save run", err)
	}
	s.t.putRun(r)
	return nil
}

func (s *fileStore) LoadRunRecord(ctx context.Context, id int64) (model.RunRecord, error) {
	if err := s.lock("load run"); err != nil {
		return model.RunRecord{}, err
	}
	defer s.mu.Unlock()
	return s.t.run(id)
}

func (s *fileStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	if err := s.lock("list runs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.t.listRuns(f), nil
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := runsSnapshot{LastID: s.t.lastID, Runs: make([]model.RunRecord, 0, len(s.t.runs))}
	for _, r := range s.t.runs {
		snap.Runs = append(snap.Runs, r)
	}
	if err := writeJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) writeDefsLocked() error {
	d := defsFile{Jobs: make([]model.Job, 0, len(s.t.jobs)), Schedules: s.t.allSchedules()}
	for _, j := range s.t.jobs {
		d.Jobs = append(d.Jobs, j)
	}
	return writeJSONAtomic(s.defsPath, d)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
