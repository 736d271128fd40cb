package script

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"

	"dbflow/internal/config"
	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/pkg/logx"
	"dbflow/pkg/unitctl"
)

const defaultMaxNesting = 8

// Builder turns parsed scripts into task graphs.
type Builder struct {
	// Dir resolves relative nested script paths.
	Dir        string
	Props      *Props
	Pool       *Pool
	Log        logx.Logger
	MaxNesting int
	// Units opens the systemd connection for unit tasks; nil means
	// unitctl.Connect.
	Units unitctl.Dialer

	depth  int
	nested *nestedScripts
}

// Build compiles s into a graph. Nested processes are loaded and compiled
// once per file, so missing or invalid files surface here. A script that
// reaches itself again is picked up when the task runs; the nesting limit
// is enforced at run time.
func (b *Builder) Build(s *Script) (*graph.Graph, error) {
	if b.Log.IsZero() {
		b.Log = logx.Nop()
	}
	if b.Props == nil {
		b.Props = &Props{}
	}
	if b.Pool == nil {
		b.Pool = NewPool(b.Log)
	}
	if b.MaxNesting <= 0 {
		b.MaxNesting = defaultMaxNesting
	}
	if b.Units == nil {
		b.Units = unitctl.Connect
	}
	if s.Path != "" && b.Dir == "" {
		b.Dir = filepath.Dir(s.Path)
	}
	if b.nested == nil {
		b.nested = &nestedScripts{done: map[string]*nestedScript{}, pending: map[string]bool{}}
	}
	if s.Path == "" {
		return b.build(s.Tasks, s.Name)
	}
	ns, err := b.nested.compile(scriptKey(s.Path), func() (*nestedScript, error) { return b.compileScript(s) })
	if err != nil {
		return nil, err
	}
	return ns.g, nil
}

func (b *Builder) build(tasks []TaskSpec, scope string) (*graph.Graph, error) {
	defs := make([]graph.TaskDef, 0, len(tasks))
	for _, t := range tasks {
		def, err := b.task(t, scope)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	g, err := graph.Compile(defs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", scope, err)
	}
	return g, nil
}

func (b *Builder) task(t TaskSpec, scope string) (graph.TaskDef, error) {
	where := scope + "." + t.Name
	def := graph.TaskDef{Name: t.Name}

	after, err := graph.ParseAfter(t.After)
	if err != nil {
		return def, fmt.Errorf("%s: after: %w", where, err)
	}
	def.After = after

	if strings.TrimSpace(t.When) != "" {
		if def.Guard, err = compileGuard(t.When); err != nil {
			return def, fmt.Errorf("%s: %w", where, err)
		}
	}
	if def.Timeout, err = config.ParseDurationField(where+".timeout", t.Timeout); err != nil {
		return def, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if def.Action, err = b.action(t, where); err != nil {
		return def, err
	}
	return def, nil
}

func (b *Builder) action(t TaskSpec, where string) (graph.Action, error) {
	log := b.Log.With(logx.Task(where))
	switch {
	case t.Exec != nil:
		return execAction{spec: *t.Exec, log: log}, nil
	case t.SQL != nil:
		conn, ok := b.Props.Connections[t.SQL.Conn]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %q", where, ErrNoConnection, t.SQL.Conn)
		}
		return sqlAction{spec: *t.SQL, conn: conn, pool: b.Pool, log: log}, nil
	case t.Sleep != "":
		if !strings.Contains(t.Sleep, "${") {
			if _, err := config.ParseDurationField(where+".sleep", t.Sleep); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
			}
		}
		return sleepAction{raw: t.Sleep}, nil
	case t.Set != nil:
		return setAction{values: t.Set}, nil
	case t.Log != "":
		return logAction{msg: t.Log, log: log}, nil
	case t.Fail != "":
		return failAction{msg: t.Fail}, nil
	case t.Process != nil:
		return b.process(*t.Process, where, log)
	case t.ForEach != nil:
		if err := b.deeper(where); err != nil {
			return nil, err
		}
		sub := b.child(b.Dir)
		g, err := sub.build(t.ForEach.Tasks, where)
		if err != nil {
			return nil, err
		}
		return forEachAction{spec: *t.ForEach, g: g, maxNesting: b.MaxNesting, log: log}, nil
	case t.Unit != nil:
		op, err := unitctl.ParseOp(t.Unit.Op)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidScript, where, err)
		}
		return unitAction{spec: *t.Unit, op: op, dial: b.Units, log: log}, nil
	default:
		return nil, fmt.Errorf("%w: %s: no action", ErrInvalidScript, where)
	}
}

func (b *Builder) process(p ProcessSpec, where string, log logx.Logger) (graph.Action, error) {
	path := p.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.Dir, path)
	}
	path = scriptKey(path)
	if _, err := b.nested.compile(path, func() (*nestedScript, error) { return b.compileFile(path) }); err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return processAction{path: path, scripts: b.nested, maxNesting: b.MaxNesting, spec: p, log: log}, nil
}

// nestedScripts holds the compiled scripts of one build keyed by path.
// Pending paths are being compiled further up the stack.
type nestedScripts struct {
	mu      sync.Mutex
	done    map[string]*nestedScript
	pending map[string]bool
}

type nestedScript struct {
	name     string
	g        *graph.Graph
	defaults map[string]any
}

// compile runs fn for path unless path is compiled or pending. A pending
// path yields a nil script; its process tasks resolve it when they run.
func (n *nestedScripts) compile(path string, fn func() (*nestedScript, error)) (*nestedScript, error) {
	n.mu.Lock()
	if ns := n.done[path]; ns != nil || n.pending[path] {
		n.mu.Unlock()
		return ns, nil
	}
	n.pending[path] = true
	n.mu.Unlock()

	ns, err := fn()

	n.mu.Lock()
	delete(n.pending, path)
	if err == nil {
		n.done[path] = ns
	}
	n.mu.Unlock()
	return ns, err
}

func (n *nestedScripts) get(path string) (*nestedScript, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ns, ok := n.done[path]
	return ns, ok
}

func (b *Builder) compileFile(path string) (*nestedScript, error) {
	s, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	sub := &Builder{Dir: filepath.Dir(path), Props: b.Props, Pool: b.Pool, Log: b.Log, MaxNesting: b.MaxNesting, Units: b.Units, nested: b.nested}
	return sub.compileScript(s)
}

func (b *Builder) compileScript(s *Script) (*nestedScript, error) {
	g, err := b.build(s.Tasks, s.Name)
	if err != nil {
		return nil, err
	}
	defaults := maps.Clone(s.Vars)
	if defaults == nil {
		defaults = map[string]any{}
	}
	maps.Copy(defaults, b.Props.Vars)
	return &nestedScript{name: s.Name, g: g, defaults: defaults}, nil
}

func scriptKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (b *Builder) deeper(where string) error {
	if b.depth+1 > b.MaxNesting {
		return fmt.Errorf("%s: %w (max %d)", where, ErrNesting, b.MaxNesting)
	}
	return nil
}

func (b *Builder) child(dir string) *Builder {
	return &Builder{Dir: dir, Props: b.Props, Pool: b.Pool, Log: b.Log, MaxNesting: b.MaxNesting, Units: b.Units, depth: b.depth + 1, nested: b.nested}
}

// Compiler loads job scripts from disk. It satisfies the orchestrator's
// compiler interface.
type Compiler struct {
	// Dir resolves relative script and property file paths.
	Dir        string
	Pool       *Pool
	Log        logx.Logger
	MaxNesting int
	Units      unitctl.Dialer

	once sync.Once
}

func (c *Compiler) Compile(_ context.Context, job model.Job) (*graph.Graph, *graph.Vars, error) {
	g, vars, _, err := c.Prepare(job.Script, job.Props, job.Args)
	return g, vars, err
}

// Prepare loads the script and optional property file and returns the graph
// with its initial variables: script defaults, then property vars, then
// positional arguments.
func (c *Compiler) Prepare(scriptPath, propsPath string, args []string) (*graph.Graph, *graph.Vars, *Script, error) {
	s, err := LoadFile(c.resolve(scriptPath))
	if err != nil {
		return nil, nil, nil, err
	}
	props := &Props{}
	if strings.TrimSpace(propsPath) != "" {
		if props, err = LoadProps(c.resolve(propsPath)); err != nil {
			return nil, nil, nil, err
		}
	}
	c.once.Do(func() {
		if c.Pool == nil {
			c.Pool = NewPool(c.Log)
		}
	})
	b := &Builder{Props: props, Pool: c.Pool, Log: c.Log, MaxNesting: c.MaxNesting, Units: c.Units}
	g, err := b.Build(s)
	if err != nil {
		return nil, nil, nil, err
	}
	vars := graph.NewVars(s.Vars)
	for k, v := range props.Vars {
		vars.Set(k, v)
	}
	bindArgs(vars, args)
	return g, vars, s, nil
}

func (c *Compiler) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
