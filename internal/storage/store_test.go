package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dbflow/internal/model"
	"dbflow/pkg/logx"
)

type opener func(t *testing.T, dir string) Store

func drivers() map[string]opener {
	open := func(driver string) opener {
		return func(t *testing.T, dir string) Store {
			t.Helper()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "dbflow.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", driver, err)
			}
			return st
		}
	}
	return map[string]opener{
		"memory": open("memory"),
		"file":   open("file"),
		"sqlite": open("sqlite"),
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled = (%v, %v)", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver = %v", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for file driver without path")
	}
}

func TestParseDriverAliases(t *testing.T) {
	for in, want := range map[string]Driver{
		"":        DriverNone,
		" None ":  DriverNone,
		"mem":     DriverMemory,
		"FILE":    DriverFile,
		"sqlite3": DriverSQLite,
		"sqlite":  DriverSQLite,
	} {
		got, err := ParseDriver(in)
		if err != nil || got != want {
			t.Fatalf("ParseDriver(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if DriverMemory.NeedsPath() || !DriverSQLite.NeedsPath() {
		t.Fatalf("NeedsPath mismatch")
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t, t.TempDir())
			defer st.Close()

			jobs := []model.Job{
				{Name: "nightly", Script: "nightly.yaml", Args: []string{"a", "b"}, Schedules: []string{"ten"}, Enabled: true},
				{Name: "adhoc", Script: "adhoc.yaml", Enabled: true},
				{Name: "off", Script: "off.yaml"},
			}
			for _, j := range jobs {
				if err := st.SaveJob(ctx, j); err != nil {
					t.Fatalf("save job %s: %v", j.Name, err)
				}
			}
			enabled, err := st.LoadEnabledJobs(ctx)
			if err != nil {
				t.Fatalf("load enabled: %v", err)
			}
			if len(enabled) != 2 || enabled[0].Name != "adhoc" || enabled[1].Name != "nightly" {
				t.Fatalf("enabled jobs = %+v", enabled)
			}
			j, err := st.LoadJob(ctx, "nightly")
			if err != nil || len(j.Args) != 2 || j.Args[1] != "b" || j.Schedules[0] != "ten" {
				t.Fatalf("load job = %+v, %v", j, err)
			}
			if _, err := st.LoadJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing job: %v", err)
			}
			if err := st.DeleteJob(ctx, "off"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteJob(ctx, "off"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete twice: %v", err)
			}
			if err := st.SaveJob(ctx, model.Job{Name: "x"}); err == nil {
				t.Fatalf("expected error for job without script")
			}

			created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, sc := range []model.Schedule{
				{Name: "ten", Recurrence: "Daily at '10:00'", Enabled: true, Created: created},
				{Name: "ten-off", Recurrence: "Daily at '10:00'", Created: created},
				{Name: "noon", Recurrence: "Daily at '12:00'", Enabled: true, Created: created},
			} {
				if err := st.SaveSchedule(ctx, sc); err != nil {
					t.Fatalf("save schedule %s: %v", sc.Name, err)
				}
			}
			if err := st.SaveSchedule(ctx, model.Schedule{Name: "bad", Recurrence: "whenever"}); err == nil {
				t.Fatalf("expected error for bad recurrence")
			}
			all, err := st.LoadSchedules(ctx)
			if err != nil || len(all) != 3 {
				t.Fatalf("schedules = %+v, %v", all, err)
			}
			due, err := st.LoadSchedulesDueAt(ctx, time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC))
			if err != nil || len(due) != 1 || due[0].Name != "ten" {
				t.Fatalf("due = %+v, %v", due, err)
			}
			due, _ = st.LoadSchedulesDueAt(ctx, time.Date(2030, 3, 4, 10, 0, 1, 0, time.UTC))
			if len(due) != 0 {
				t.Fatalf("due one second late = %+v", due)
			}

			var ids []int64
			for i := 0; i < 3; i++ {
				id, err := st.NextRunID(ctx)
				if err != nil {
					t.Fatalf("next id: %v", err)
				}
				if len(ids) > 0 && id <= ids[len(ids)-1] {
					t.Fatalf("ids not increasing: %v then %d", ids, id)
				}
				ids = append(ids, id)
			}

			start := time.Date(2030, 3, 4, 10, 0, 0, 0, time.UTC)
			recs := []model.RunRecord{
				{ID: ids[0], Job: "nightly", Start: start, Status: model.RunInProgress},
				{ID: ids[1], Job: "nightly", Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Status: model.RunFailed, Message: "a: boom"},
				{ID: ids[2], Job: "adhoc", Start: start.Add(3 * time.Hour), End: start.Add(3 * time.Hour), Status: model.RunSucceeded},
			}
			for _, r := range recs {
				if err := st.SaveRunRecord(ctx, r); err != nil {
					t.Fatalf("save run: %v", err)
				}
			}
			done := recs[0]
			done.End = start.Add(time.Minute)
			done.Status = model.RunSucceeded
			done.Instance = "inst-1"
			if err := st.SaveRunRecord(ctx, done); err != nil {
				t.Fatalf("update run: %v", err)
			}
			got, err := st.LoadRunRecord(ctx, ids[0])
			if err != nil {
				t.Fatalf("load run: %v", err)
			}
			if got.Status != model.RunSucceeded || got.Instance != "inst-1" || !got.End.Equal(done.End) || got.Elapsed() != time.Minute {
				t.Fatalf("updated run = %+v", got)
			}
			if _, err := st.LoadRunRecord(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing run: %v", err)
			}

			list, _ := st.ListRuns(ctx, RunFilter{})
			if len(list) != 3 || list[0].ID != ids[2] {
				t.Fatalf("list all = %+v", list)
			}
			list, _ = st.ListRuns(ctx, RunFilter{Job: "nightly"})
			if len(list) != 2 {
				t.Fatalf("list by job = %+v", list)
			}
			list, _ = st.ListRuns(ctx, RunFilter{Statuses: []model.Status{model.RunFailed}})
			if len(list) != 1 || list[0].Message != "a: boom" {
				t.Fatalf("list by status = %+v", list)
			}
			list, _ = st.ListRuns(ctx, RunFilter{Since: start.Add(30 * time.Minute), Limit: 1})
			if len(list) != 1 || list[0].ID != ids[2] {
				t.Fatalf("list since/limit = %+v", list)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if _, err := st.LoadEnabledJobs(ctx); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("after close: %v", err)
			}
		})
	}
}

func TestPersistentDriversSurviveReopen(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"file", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			open := drivers()[name]

			st := open(t, dir)
			_ = st.SaveJob(ctx, model.Job{Name: "j", Script: "j.yaml", Enabled: true})
			_ = st.SaveSchedule(ctx, model.Schedule{Name: "s", Recurrence: "Hourly", Enabled: true})
			id, _ := st.NextRunID(ctx)
			_ = st.SaveRunRecord(ctx, model.RunRecord{ID: id, Job: "j", Status: model.ControllerShutdown, Message: "abandoned"})
			reserved, _ := st.NextRunID(ctx)
			_ = st.Close()

			st = open(t, dir)
			defer st.Close()
			if _, err := st.LoadJob(ctx, "j"); err != nil {
				t.Fatalf("job lost: %v", err)
			}
			scheds, _ := st.LoadSchedules(ctx)
			if len(scheds) != 1 || scheds[0].Created.IsZero() {
				t.Fatalf("schedules = %+v", scheds)
			}
			rec, err := st.LoadRunRecord(ctx, id)
			if err != nil || rec.Status != model.ControllerShutdown || rec.Message != "abandoned" {
				t.Fatalf("run = %+v, %v", rec, err)
			}
			next, _ := st.NextRunID(ctx)
			if next <= reserved {
				t.Fatalf("id %d reused after reopen (reserved %d)", next, reserved)
			}
		})
	}
}

func TestFileJournalCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := openFile(Config{Path: filepath.Join(dir, "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 5
	for i := int64(1); i <= 12; i++ {
		if err := st.SaveRunRecord(ctx, model.RunRecord{ID: i, Job: "j", Status: model.RunSucceeded}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	_ = st.Close()

	st, err = openFile(Config{Path: filepath.Join(dir, "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	list, _ := st.ListRuns(ctx, RunFilter{})
	if len(list) != 12 {
		t.Fatalf("got %d runs after compaction, want 12", len(list))
	}
}
