package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"dbflow/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func runCLI(t *testing.T, ctx context.Context, args ...string) (int, string) {
	t.Helper()
	logs := &syncBuffer{}
	var stderr bytes.Buffer
	code := run(ctx, args, &stderr, func(level string) logx.Logger { return logx.NewWriter(logs, level) })
	return code, logs.String() + stderr.String()
}

const okScript = `
name: greet
tasks:
  - name: hello
    log: "hello ${arg1}"
  - name: bye
    after: hello
    log: bye
`

const failingScript = `
name: broken
tasks:
  - name: a
    fail: "disk full"
  - name: b
    after: a
    log: never
`

func TestNormalizeArgs(t *testing.T) {
	got := normalizeArgs([]string{"--schedule:nightly", "-check", "s.yaml", "--", "--schedule:x"})
	want := []string{"-schedule=nightly", "-check", "s.yaml", "--", "--schedule:x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("normalizeArgs = %q", got)
	}
}

func TestRunSucceedsAndFails(t *testing.T) {
	ctx := context.Background()
	ok := writeScript(t, "ok.yaml", okScript)
	if code, out := runCLI(t, ctx, ok, "world"); code != 0 {
		t.Fatalf("ok script exit %d:\n%s", code, out)
	}

	bad := writeScript(t, "bad.yaml", failingScript)
	code, out := runCLI(t, ctx, "--log-level", "debug", bad)
	if code != 1 {
		t.Fatalf("failing script exit %d", code)
	}
	if !strings.Contains(out, "disk full") {
		t.Fatalf("failure reason missing:\n%s", out)
	}

	if code, _ := runCLI(t, ctx, filepath.Join(t.TempDir(), "missing.yaml")); code != 1 {
		t.Fatalf("missing script exit %d", code)
	}
	if code, _ := runCLI(t, ctx); code != 1 {
		t.Fatalf("no script exit %d", code)
	}
}

func TestCheckDoesNotRun(t *testing.T) {
	ctx := context.Background()
	bad := writeScript(t, "bad.yaml", failingScript)
	code, out := runCLI(t, ctx, "--check", bad)
	if code != 0 {
		t.Fatalf("check exit %d:\n%s", code, out)
	}
	if strings.Contains(out, "disk full") || !strings.Contains(out, "script ok") {
		t.Fatalf("check output:\n%s", out)
	}

	invalid := writeScript(t, "invalid.yaml", "tasks:\n  - name: a\n")
	if code, _ := runCLI(t, ctx, "--check", invalid); code != 1 {
		t.Fatalf("invalid check exit %d", code)
	}
}

func TestScheduleRunsUntilInterrupted(t *testing.T) {
	ok := writeScript(t, "ok.yaml", okScript)
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	code, out := runCLI(t, ctx, "--schedule:Daily every 1 seconds", ok, "world")
	if code != 0 {
		t.Fatalf("schedule exit %d:\n%s", code, out)
	}
	if n := strings.Count(out, `"run finished"`); n < 1 {
		t.Fatalf("expected at least one run, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, "schedule interrupted") {
		t.Fatalf("missing interrupt log:\n%s", out)
	}

	if code, _ := runCLI(t, context.Background(), "--schedule:whenever", ok); code != 1 {
		t.Fatalf("bad schedule exit %d", code)
	}
}
