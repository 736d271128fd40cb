package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" {
		t.Fatalf("unexpected record: %v", m)
	}
	if n, _ := m["n"].(float64); n != 3 {
		t.Fatalf("expected n=3, got %v", m["n"])
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be logged")
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("expected short caller, got %q", c)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop logger is explicitly configured")
	}
}

func TestFormatAlert(t *testing.T) {
	line := []byte(`{"level":"error","time":"x","message":"run failed","job":"nightly","run_id":7}`)
	got := FormatAlert(line)
	want := "[ERROR] run failed\n- job=nightly\n- run_id=7"
	if got != want {
		t.Fatalf("FormatAlert:\n got %q\nwant %q", got, want)
	}
	if got := FormatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-json passthrough: %q", got)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestServiceAlertSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: t.TempDir() + "/x.log"}, Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, sender)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("over threshold", String("job", "etl"))

	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected exactly one alert, got %d: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "[ERROR] over threshold") {
		t.Fatalf("unexpected alert text %q", sender.msgs[0])
	}
}

func TestForRunScopesRecords(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").ForRun("nightly", 42)
	log.Info("run started", Task("extract"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m[KeyJob] != "nightly" || m[KeyTask] != "extract" {
		t.Fatalf("unexpected record: %v", m)
	}
	if id, _ := m[KeyRunID].(float64); id != 42 {
		t.Fatalf("expected run_id=42, got %v", m[KeyRunID])
	}
}

func TestApplyKeepsFileAcrossReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dbflow.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, nil)
	defer svc.Close()

	log.Info("first")
	svc.mu.Lock()
	before := svc.file
	svc.mu.Unlock()

	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Debug("second")

	svc.mu.Lock()
	after := svc.file
	svc.mu.Unlock()
	if before == nil || before != after {
		t.Fatalf("expected the same open file across Apply")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"message":"second"`) {
		t.Fatalf("unexpected log file contents:\n%s", raw)
	}
}

type blockingSender struct{ release chan struct{} }

func (b blockingSender) SendAlert(ctx context.Context, _ string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestFullAlertQueueCountsDrops(t *testing.T) {
	sender := blockingSender{release: make(chan struct{})}
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")}, Alert: AlertConfig{Enabled: true, RatePerSec: 1000}}, sender)
	defer svc.Close()
	defer close(sender.release)

	// One record is held by the blocked sender; the queue absorbs the next alertQueueLen.
	for i := 0; i < alertQueueLen+20; i++ {
		log.Error("boom", Int("i", i))
	}
	if got := svc.DroppedAlerts(); got < 19 {
		t.Fatalf("expected at least 19 dropped alerts, got %d", got)
	}
}
