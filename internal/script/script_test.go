package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func runScript(t *testing.T, g *graph.Graph, vars *graph.Vars) *graph.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := graph.New(g, vars).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func TestParseRejectsBadScripts(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no tasks":      "name: x\ntasks: []\n",
		"no name":       "tasks:\n  - log: hi\n",
		"two actions":   "tasks:\n  - name: a\n    log: hi\n    fail: no\n",
		"no action":     "tasks:\n  - name: a\n",
		"unknown key":   "tasks:\n  - name: a\n    log: hi\n    retries: 3\n",
		"sql no conn":   "tasks:\n  - name: a\n    sql:\n      statement: SELECT 1\n",
		"query no into": "tasks:\n  - name: a\n    sql:\n      conn: main\n      query: SELECT 1\n",
		"nested bad":    "tasks:\n  - name: a\n    for_each:\n      list: xs\n      tasks:\n        - name: b\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(body)); !errors.Is(err, ErrInvalidScript) {
				t.Fatalf("Parse = %v, want ErrInvalidScript", err)
			}
		})
	}
}

func TestExpand(t *testing.T) {
	vars := graph.NewVars(map[string]any{"table": "users", "n": 3})
	got, err := Expand("DELETE FROM ${table} LIMIT ${n} -- $${literal}", vars)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != "DELETE FROM users LIMIT 3 -- ${literal}" {
		t.Fatalf("got %q", got)
	}
	if _, err := Expand("${missing}", vars); !errors.Is(err, ErrUndefined) {
		t.Fatalf("missing var: %v", err)
	}
}

const demoScript = `
name: demo
vars:
  greeting: hello
tasks:
  - name: setup
    set:
      target: "${greeting} world"
      items: [a, b, c]
  - name: skipped
    after: setup
    when: "greeting == 'bye'"
    log: never
  - name: loop
    after: setup
    for_each:
      list: items
      parallel: true
      max_parallel: 2
      tasks:
        - name: echo
          log: "item ${item} at ${index}"
  - name: boom
    after: setup
    fail: "bad ${target}"
  - name: recover
    after: boom FAILS
    set:
      recovered: true
  - name: notreached
    after: boom
    log: unreachable
`

func TestBuildAndRunDemo(t *testing.T) {
	s, err := Parse([]byte(demoScript))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g, err := (&Builder{Log: logx.Nop()}).Build(s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vars := graph.NewVars(s.Vars)
	res := runScript(t, g, vars)

	want := map[string]graph.State{
		"setup":      graph.Succeeded,
		"skipped":    graph.Skipped,
		"loop":       graph.Succeeded,
		"boom":       graph.Failed,
		"recover":    graph.Succeeded,
		"notreached": graph.Skipped,
	}
	for name, st := range want {
		if got := res.State(name); got != st {
			t.Fatalf("%s = %s, want %s", name, got, st)
		}
	}
	if res.FirstError() != "boom: bad hello world" {
		t.Fatalf("first error = %q", res.FirstError())
	}
	if v, _ := vars.Get("recovered"); v != true {
		t.Fatalf("recovered = %v", v)
	}
}

func TestGuardErrorFailsTask(t *testing.T) {
	s, _ := Parse([]byte("vars:\n  label: x\ntasks:\n  - name: a\n    when: label\n    log: hi\n"))
	g, err := (&Builder{}).Build(s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res := runScript(t, g, graph.NewVars(s.Vars))
	if res.State("a") != graph.Failed {
		t.Fatalf("a = %s, want Failed", res.State("a"))
	}
}

func TestBadGuardOrAfterRejectedAtBuild(t *testing.T) {
	for _, body := range []string{
		"tasks:\n  - name: a\n    when: \"1 +\"\n    log: hi\n",
		"tasks:\n  - name: a\n    after: b SUCCEEDS\n    log: hi\n",
		"tasks:\n  - name: a\n    after: a\n    log: hi\n",
		"tasks:\n  - name: a\n    timeout: soon\n    log: hi\n",
		"tasks:\n  - name: a\n    sleep: forever\n",
	} {
		s, err := Parse([]byte(body))
		if err != nil {
			t.Fatalf("parse %q: %v", body, err)
		}
		if _, err := (&Builder{}).Build(s); err == nil {
			t.Fatalf("expected build error for %q", body)
		}
	}
}

func TestSQLActionAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "work.db")
	writeFile(t, dir, "props.yaml", "vars:\n  table: events\nconnections:\n  main:\n    driver: sqlite\n    dsn: "+dbPath+"\n")
	writeFile(t, dir, "load.yaml", `
tasks:
  - name: create
    sql:
      conn: main
      statements:
        - CREATE TABLE IF NOT EXISTS ${table} (name TEXT)
        - INSERT INTO ${table}(name) VALUES ('${arg1}')
  - name: count
    after: create
    sql:
      conn: main
      query: SELECT count(*) FROM ${table}
      into: rows
  - name: broken
    after: count
    sql:
      conn: main
      statement: INSERT INTO missing_table VALUES (1)
`)
	pool := NewPool(logx.Nop())
	defer pool.Close()
	c := &Compiler{Dir: dir, Pool: pool, Log: logx.Nop()}
	g, vars, err := c.Compile(context.Background(), model.Job{Name: "load", Script: "load.yaml", Props: "props.yaml", Args: []string{"signup"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	res := runScript(t, g, vars)
	if res.State("create") != graph.Succeeded || res.State("count") != graph.Succeeded {
		t.Fatalf("states: %+v", res.Tasks)
	}
	if n, _ := vars.Get("rows"); n != int64(1) {
		t.Fatalf("rows = %#v", n)
	}
	if res.State("broken") != graph.Failed || !strings.Contains(res.FirstError(), "statement 1") {
		t.Fatalf("broken: %s %q", res.State("broken"), res.FirstError())
	}
}

func TestUnknownConnectionIsBuildError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "s.yaml", "tasks:\n  - name: a\n    sql:\n      conn: nope\n      statement: SELECT 1\n")
	c := &Compiler{Dir: dir}
	if _, _, err := c.Compile(context.Background(), model.Job{Name: "s", Script: "s.yaml"}); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("compile = %v, want ErrNoConnection", err)
	}
}

func TestExecCapturesOutput(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	s, _ := Parse([]byte(`
tasks:
  - name: hello
    exec:
      command: /bin/sh
      args: ["-c", "echo ${who}"]
      capture: out
  - name: failing
    exec:
      command: /bin/sh
      args: ["-c", "echo oops >&2; exit 3"]
`))
	g, err := (&Builder{}).Build(s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vars := graph.NewVars(map[string]any{"who": "world"})
	res := runScript(t, g, vars)
	if out, _ := vars.Get("out"); out != "world" {
		t.Fatalf("out = %q", out)
	}
	if res.State("failing") != graph.Failed || !strings.Contains(res.FirstError(), "oops") {
		t.Fatalf("failing: %s %q", res.State("failing"), res.FirstError())
	}
}

func TestNestedProcessExportsVariables(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "child.yaml", `
name: child
vars:
  suffix: "!"
tasks:
  - name: compute
    set:
      result: "got ${arg1}${suffix}"
`)
	writeFile(t, dir, "parent.yaml", `
vars:
  x: 42
tasks:
  - name: sub
    process:
      script: child.yaml
      args: ["${x}"]
      export: [result]
  - name: report
    after: sub
    log: "${result}"
`)
	c := &Compiler{Dir: dir}
	g, vars, _, err := c.Prepare("parent.yaml", "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	res := runScript(t, g, vars)
	if res.Outcome() != graph.Succeeded {
		t.Fatalf("outcome %s: %q", res.Outcome(), res.FirstError())
	}
	if v, _ := vars.Get("result"); v != "got 42!" {
		t.Fatalf("result = %v", v)
	}
	if v, _ := vars.Get("suffix"); v != nil {
		t.Fatalf("child variable leaked: %v", v)
	}
}

func TestGuardedRecursionStops(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "countdown.yaml", `
name: countdown
tasks:
  - name: mark
    set:
      reached: "${arg1}"
  - name: again
    after: mark
    when: arg1 != "stop"
    process:
      script: countdown.yaml
      args: ["stop"]
      export: [reached]
`)
	c := &Compiler{Dir: dir, MaxNesting: 3}
	g, vars, _, err := c.Prepare("countdown.yaml", "", []string{"go"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	res := runScript(t, g, vars)
	if res.Outcome() != graph.Succeeded {
		t.Fatalf("outcome %s: %q", res.Outcome(), res.FirstError())
	}
	if v, _ := vars.Get("reached"); v != "stop" {
		t.Fatalf("reached = %v, want the nested level to run", v)
	}
}

func TestUnboundedRecursionFailsAtRunTime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "loop.yaml", "tasks:\n  - name: again\n    process:\n      script: loop.yaml\n")
	c := &Compiler{Dir: dir, MaxNesting: 3}
	g, vars, _, err := c.Prepare("loop.yaml", "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	res := runScript(t, g, vars)
	if res.Outcome() != graph.Failed || !strings.Contains(res.FirstError(), ErrNesting.Error()) {
		t.Fatalf("outcome %s: %q", res.Outcome(), res.FirstError())
	}
	if strings.Count(res.FirstError(), "again:") != 4 {
		t.Fatalf("expected three nested levels before the limit: %q", res.FirstError())
	}
}

func TestMissingNestedScriptIsBuildError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "parent.yaml", "tasks:\n  - name: sub\n    process:\n      script: nope.yaml\n")
	c := &Compiler{Dir: dir}
	if _, _, _, err := c.Prepare("parent.yaml", "", nil); err == nil {
		t.Fatalf("missing nested script accepted")
	}
}

func TestArgsAndPropsPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "s.yaml", "vars:\n  env: dev\n  keep: yes\ntasks:\n  - name: a\n    log: hi\n")
	writeFile(t, dir, "p.yaml", "vars:\n  env: prod\n")
	c := &Compiler{Dir: dir}
	_, vars, _, err := c.Prepare("s.yaml", "p.yaml", []string{"one", "two"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	checks := map[string]any{"env": "prod", "keep": "yes", "arg1": "one", "arg2": "two", "argc": 2}
	for k, want := range checks {
		if got, _ := vars.Get(k); got != want {
			t.Fatalf("%s = %#v, want %#v", k, got, want)
		}
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	s, _ := Parse([]byte("tasks:\n  - name: nap\n    sleep: 1h\n"))
	g, err := (&Builder{}).Build(s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := graph.New(g, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State("nap") != graph.Terminated {
		t.Fatalf("nap = %s, want Terminated", res.State("nap"))
	}
}
