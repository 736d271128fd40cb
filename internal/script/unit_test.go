package script

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"dbflow/internal/graph"
	"dbflow/pkg/unitctl"
)

type fakeUnits struct {
	mu     sync.Mutex
	ops    []string
	active map[string]string
	closed int
}

func (f *fakeUnits) dial(context.Context) (unitctl.Manager, error) { return f, nil }

func (f *fakeUnits) Do(_ context.Context, op unitctl.Op, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := unitctl.UnitName(unit)
	f.ops = append(f.ops, string(op)+" "+name)
	switch op {
	case unitctl.OpStart, unitctl.OpRestart:
		f.active[name] = "active"
	case unitctl.OpStop:
		f.active[name] = "inactive"
	}
	return nil
}

func (f *fakeUnits) Status(_ context.Context, unit string) (unitctl.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := unitctl.UnitName(unit)
	a, ok := f.active[name]
	if !ok {
		return unitctl.Status{Name: name, Active: "unknown", LoadState: "not-found"}, nil
	}
	return unitctl.Status{Name: name, Active: a, LoadState: "loaded"}, nil
}

func (f *fakeUnits) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestUnitTasks(t *testing.T) {
	s, err := Parse([]byte(`
tasks:
  - name: stop
    unit: {name: "${svc}", op: stop}
  - name: check
    after: stop
    unit: {name: "${svc}", into: state}
  - name: restart
    after: check
    unit: {name: "${svc}", op: Restart}
  - name: verify
    after: restart
    unit: {name: "${svc}", require: active}
  - name: missing
    unit: {name: ghost, require: active}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	units := &fakeUnits{active: map[string]string{"loader.service": "active"}}
	g, err := (&Builder{Units: units.dial}).Build(s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	vars := graph.NewVars(map[string]any{"svc": "loader"})
	res := runScript(t, g, vars)

	if res.State("verify") != graph.Succeeded {
		t.Fatalf("verify: %s %q", res.State("verify"), res.FirstError())
	}
	if st, _ := vars.Get("state"); st != "inactive" {
		t.Fatalf("state = %v", st)
	}
	if res.State("missing") != graph.Failed || !strings.Contains(res.FirstError(), "ghost.service") {
		t.Fatalf("missing: %s %q", res.State("missing"), res.FirstError())
	}
	want := []string{"stop loader.service", "restart loader.service"}
	if strings.Join(units.ops, ",") != strings.Join(want, ",") {
		t.Fatalf("ops = %q", units.ops)
	}
	if units.closed != 5 {
		t.Fatalf("closed %d connections, want 5", units.closed)
	}
}

func TestUnitTaskRejectsBadOp(t *testing.T) {
	s, err := Parse([]byte("tasks:\n  - name: u\n    unit: {name: x, op: enable}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := (&Builder{}).Build(s); !errors.Is(err, ErrInvalidScript) || !errors.Is(err, unitctl.ErrBadOp) {
		t.Fatalf("build = %v", err)
	}
	if _, err := Parse([]byte("tasks:\n  - name: u\n    unit: {op: start}\n")); !errors.Is(err, ErrInvalidScript) {
		t.Fatalf("parse without name = %v", err)
	}
}
