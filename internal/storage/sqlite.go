package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"dbflow/internal/model"
	"dbflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	idCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// fail classifies a driver error. Missing rows are ErrNotFound; everything
// else (closed handle, busy or locked database, I/O) is ErrUnavailable.
func (s *sqliteStore) fail(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *sqliteStore) LoadEnabledJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, script, props, args, schedules, enabled FROM jobs WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, s.fail("load jobs", err)
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, s.fail("load jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load jobs", err)
	}
	return out, nil
}

func (s *sqliteStore) LoadJob(ctx context.Context, name string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, script, props, args, schedules, enabled FROM jobs WHERE name = ?`, name)
	j, err := scanJob(row)
	if err != nil {
		return model.Job{}, s.fail(fmt.Sprintf("job %q", name), err)
	}
	return j, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (model.Job, error) {
	var (
		j               model.Job
		props           sql.NullString
		args, schedules string
	)
	if err := sc.Scan(&j.Name, &j.Script, &props, &args, &schedules, &j.Enabled); err != nil {
		return model.Job{}, err
	}
	j.Props = props.String
	if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
		return model.Job{}, fmt.Errorf("job %q args: %w", j.Name, err)
	}
	if err := json.Unmarshal([]byte(schedules), &j.Schedules); err != nil {
		return model.Job{}, fmt.Errorf("job %q schedules: %w", j.Name, err)
	}
	return j, nil
}

func (s *sqliteStore) SaveJob(ctx context.Context, j model.Job) error {
	if err := validateJob(j); err != nil {
		return err
	}
	args, _ := json.Marshal(nonNil(j.Args))
	schedules, _ := json.Marshal(nonNil(j.Schedules))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, script, props, args, schedules, enabled) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET script=excluded.script, props=excluded.props,
		   args=excluded.args, schedules=excluded.schedules, enabled=excluded.enabled`,
		j.Name, j.Script, nullStr(j.Props), string(args), string(schedules), j.Enabled,
	)
	if err != nil {
		return s.fail("save job", err)
	}
	return nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return s.fail("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, recurrence, timezone, enabled, created FROM schedules ORDER BY name`)
	if err != nil {
		return nil, s.fail("load schedules", err)
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		var (
			sc      model.Schedule
			tz      sql.NullString
			created int64
		)
		if err := rows.Scan(&sc.Name, &sc.Recurrence, &tz, &sc.Enabled, &created); err != nil {
			return nil, s.fail("load schedules", err)
		}
		sc.Timezone = tz.String
		sc.Created = fromNanos(created)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load schedules", err)
	}
	return out, nil
}

func (s *sqliteStore) LoadSchedulesDueAt(ctx context.Context, at time.Time) ([]model.Schedule, error) {
	all, err := s.LoadSchedules(ctx)
	if err != nil {
		return nil, err
	}
	return dueAt(all, at), nil
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc model.Schedule) error {
	sc, err := prepareSchedule(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(name, recurrence, timezone, enabled, created) VALUES(?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET recurrence=excluded.recurrence, timezone=excluded.timezone,
		   enabled=excluded.enabled, created=excluded.created`,
		sc.Name, sc.Recurrence, nullStr(sc.Timezone), sc.Enabled, toNanos(sc.Created),
	)
	if err != nil {
		return s.fail("save schedule", err)
	}
	return nil
}

func (s *sqliteStore) NextRunID(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO run_seq DEFAULT VALUES`)
	if err != nil {
		return 0, s.fail("next run id", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.fail("next run id", err)
	}
	// AUTOINCREMENT keeps ids increasing after old rows are pruned.
	if s.idCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM run_seq WHERE id < ?`, id)
		cancel()
	}
	return id, nil
}

func (s *sqliteStore) SaveRunRecord(ctx context.Context, r model.RunRecord) error {
	if err := validateRun(r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, instance, start_at, end_at, status, message) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET job=excluded.job, instance=excluded.instance,
		   start_at=excluded.start_at, end_at=excluded.end_at, status=excluded.status, message=excluded.message`,
		r.ID, r.Job, nullStr(r.Instance), toNanos(r.Start), toNanos(r.End), r.Status.String(), nullStr(r.Message),
	)
	if err != nil {
		return s.fail("save run", err)
	}
	return nil
}

const runColumns = `id, job, instance, start_at, end_at, status, message`

func scanRun(sc scanner) (model.RunRecord, error) {
	var (
		r             model.RunRecord
		instance, msg sql.NullString
		start, end    int64
		status        string
	)
	if err := sc.Scan(&r.ID, &r.Job, &instance, &start, &end, &status, &msg); err != nil {
		return model.RunRecord{}, err
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("run %d: %w", r.ID, err)
	}
	r.Instance = instance.String
	r.Message = msg.String
	r.Start = fromNanos(start)
	r.End = fromNanos(end)
	r.Status = st
	return r, nil
}

func (s *sqliteStore) LoadRunRecord(ctx context.Context, id int64) (model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return model.RunRecord{}, s.fail(fmt.Sprintf("run %d", id), err)
	}
	return r, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Job != "" {
		where = append(where, "job = ?")
		args = append(args, f.Job)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "start_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.fail("list runs", err)
	}
	defer rows.Close()
	var out []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, s.fail("list runs", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list runs", err)
	}
	return out, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
