package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/model"
	"dbflow/internal/notify"
	"dbflow/internal/notify/telegram"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

const helloScript = `
name: hello
tasks:
  - name: greet
    log: "hello ${arg1}"
`

func appConfig(scriptDir string) string {
	return `
logging:
  level: error
orchestrator:
  timezone: UTC
  script_dir: ` + scriptDir + `
storage:
  driver: memory
schedules:
  - name: nightly
    recurrence: "Daily at '02:00'"
jobs:
  - name: greet
    script: hello.yaml
    args: [world]
    schedules: [nightly]
`
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func decode(t *testing.T, body string) *Config {
	t.Helper()
	cfg, err := config.Decode("dbflow.yaml", []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cfg
}

func startApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "hello.yaml", helloScript)
	cfgPath := writeFile(t, dir, "dbflow.yaml", appConfig(dir))

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestAppSeedsAndRunsJob(t *testing.T) {
	a := startApp(t)
	ctx := context.Background()

	job, err := a.Store().LoadJob(ctx, "greet")
	if err != nil {
		t.Fatalf("job not seeded: %v", err)
	}
	if !job.Enabled || job.Args[0] != "world" {
		t.Fatalf("seeded job %+v", job)
	}

	id, err := a.Orchestrator().RunNow(ctx, "greet")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := a.Orchestrator().Run(ctx, id)
		if err == nil && rec.Status.Terminal() {
			if rec.Status != model.RunSucceeded {
				t.Fatalf("run ended %s: %s", rec.Status, rec.Message)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %d did not finish (last %+v, %v)", id, rec, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	st := a.Status(ctx)
	if len(st.Orchestrator.Schedules) != 1 || st.Orchestrator.Schedules[0].Next.IsZero() {
		t.Fatalf("status schedules %+v", st.Orchestrator.Schedules)
	}
	if st.Orchestrator.Submitted != 1 {
		t.Fatalf("submitted = %d", st.Orchestrator.Submitted)
	}
}

func TestNewAppRequiresStorage(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "dbflow.yaml", "logging:\n  level: error\n")
	if _, err := NewApp(p); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("NewApp = %v, want ErrDisabled", err)
	}
}

func TestSeedKeepsCreatedAndRetires(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	defer store.Close()

	first := decode(t, appConfig("/scripts"))
	if _, err := seedDefinitions(ctx, store, nil, first, logx.Nop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	scheds, _ := store.LoadSchedules(ctx)
	if len(scheds) != 1 || scheds[0].Created.IsZero() {
		t.Fatalf("schedules %+v", scheds)
	}
	created := scheds[0].Created

	// Same definitions: nothing is rewritten.
	res, err := seedDefinitions(ctx, store, first, first, logx.Nop())
	if err != nil || res != (seedResult{}) {
		t.Fatalf("reseed = %+v, %v", res, err)
	}

	second := decode(t, appConfig("/scripts"))
	second.Schedules[0].Recurrence = "Daily at '03:00'"
	second.Jobs = nil
	res, err = seedDefinitions(ctx, store, first, second, logx.Nop())
	if err != nil {
		t.Fatalf("seed second: %v", err)
	}
	if res.Schedules != 1 || res.Deleted != 1 {
		t.Fatalf("second seed = %+v", res)
	}
	scheds, _ = store.LoadSchedules(ctx)
	if !scheds[0].Created.Equal(created) || scheds[0].Recurrence != "Daily at '03:00'" {
		t.Fatalf("schedule after edit %+v (created %v)", scheds[0], created)
	}
	if _, err := store.LoadJob(ctx, "greet"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("removed job still stored: %v", err)
	}

	third := decode(t, appConfig("/scripts"))
	third.Schedules, third.Jobs = nil, nil
	if res, err := seedDefinitions(ctx, store, second, third, logx.Nop()); err != nil || res.Disabled != 1 {
		t.Fatalf("retire schedule = %+v, %v", res, err)
	}
	scheds, _ = store.LoadSchedules(ctx)
	if scheds[0].Enabled {
		t.Fatalf("removed schedule still enabled")
	}
}

type recordSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

func TestReloadEnablesNotify(t *testing.T) {
	var built []telegram.Config
	sender := &recordSender{}
	prevFactory := newNotifySender
	newNotifySender = func(tc telegram.Config) (notify.Sender, error) {
		built = append(built, tc)
		return sender, nil
	}
	t.Cleanup(func() { newNotifySender = prevFactory })

	a := startApp(t)
	prev := a.cfgm.Get()
	next := decode(t, appConfig("/scripts"))
	next.Orchestrator.ScriptDir = prev.Orchestrator.ScriptDir
	next.Notify = &config.NotifyConfig{Enabled: true, MinStatus: "RunSucceeded"}
	next.Notify.Telegram.Token = "1:abc"
	next.Notify.Telegram.ChatID = 42

	a.applyConfig(context.Background(), prev, next)
	if len(built) != 1 || built[0].ChatID != 42 {
		t.Fatalf("sender built with %+v", built)
	}
	if !a.notif.Enabled() {
		t.Fatalf("notify not enabled after reload")
	}

	id, err := a.Orchestrator().RunNow(context.Background(), "greet")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		sender.mu.Lock()
		got := append([]string(nil), sender.sent...)
		sender.mu.Unlock()
		if len(got) > 0 {
			if !strings.HasPrefix(got[0], "[RunSucceeded] greet #") {
				t.Fatalf("alert %q", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no alert for run %d", id)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMappingDefaults(t *testing.T) {
	cfg := decode(t, "pprof:\n  enabled: true\n")
	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		t.Fatalf("pprof: %v", err)
	}
	if ppc.Addr != "127.0.0.1:6060" || ppc.Prefix != "/debug/pprof/" || ppc.ReadTimeout != 5*time.Second {
		t.Fatalf("pprof defaults %+v", ppc)
	}
	ncfg, _, err := mapNotifyConfig(cfg)
	if err != nil || ncfg.Enabled {
		t.Fatalf("omitted notify = %+v, %v", ncfg, err)
	}
	if _, _, err := mapStorageConfig(&Config{Storage: &config.StorageConfig{Driver: "file"}}); err == nil {
		t.Fatalf("file storage without path accepted")
	}
	bad := decode(t, "run_manager:\n  shutdown_grace: later\n")
	if err := checkMappable(bad); err == nil || !strings.Contains(err.Error(), "run_manager.shutdown_grace") {
		t.Fatalf("checkMappable = %v", err)
	}
}
