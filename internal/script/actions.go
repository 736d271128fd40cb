package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/graph"
	"dbflow/pkg/logx"
)

type execAction struct {
	spec ExecSpec
	log  logx.Logger
}

func (a execAction) Run(ctx context.Context, vars *graph.Vars) error {
	name, err := Expand(a.spec.Command, vars)
	if err != nil {
		return err
	}
	args, err := expandAll(a.spec.Args, vars)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 2 * time.Second
	if a.spec.Dir != "" {
		if cmd.Dir, err = Expand(a.spec.Dir, vars); err != nil {
			return err
		}
	}
	if len(a.spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range a.spec.Env {
			ev, err := Expand(v, vars)
			if err != nil {
				return err
			}
			cmd.Env = append(cmd.Env, k+"="+ev)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if msg := tail(stderr.String(), 200); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if a.spec.Capture != "" {
		vars.Set(a.spec.Capture, strings.TrimSpace(stdout.String()))
	}
	a.log.Debug("command finished", logx.String("cmd", name), logx.Duration("took", time.Since(start)), logx.Int("stdout_bytes", stdout.Len()))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

type sqlAction struct {
	spec SQLSpec
	conn ConnSpec
	pool *Pool
	log  logx.Logger
}

func (a sqlAction) Run(ctx context.Context, vars *graph.Vars) error {
	db, err := a.pool.Get(a.conn)
	if err != nil {
		return fmt.Errorf("connection %q: %w", a.spec.Conn, err)
	}
	stmts := a.spec.Statements
	if a.spec.Statement != "" {
		stmts = append([]string{a.spec.Statement}, stmts...)
	}
	if len(stmts) > 0 {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		var affected int64
		for i, raw := range stmts {
			q, err := Expand(raw, vars)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			res, err := tx.ExecContext(ctx, q)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				affected += n
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		a.log.Debug("statements committed", logx.Int("count", len(stmts)), logx.Int64("rows", affected))
	}
	if a.spec.Query != "" {
		q, err := Expand(a.spec.Query, vars)
		if err != nil {
			return err
		}
		var out any
		if err := db.QueryRowContext(ctx, q).Scan(&out); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		if b, ok := out.([]byte); ok {
			out = string(b)
		}
		vars.Set(a.spec.Into, out)
	}
	return nil
}

type sleepAction struct {
	raw string
}

func (a sleepAction) Run(ctx context.Context, vars *graph.Vars) error {
	s, err := Expand(a.raw, vars)
	if err != nil {
		return err
	}
	d, err := config.ParseDurationField("sleep", s)
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type setAction struct {
	values map[string]any
}

func (a setAction) Run(_ context.Context, vars *graph.Vars) error {
	for k, v := range a.values {
		ev, err := expandValue(v, vars)
		if err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
		vars.Set(k, ev)
	}
	return nil
}

type logAction struct {
	msg string
	log logx.Logger
}

func (a logAction) Run(_ context.Context, vars *graph.Vars) error {
	msg, err := Expand(a.msg, vars)
	if err != nil {
		return err
	}
	a.log.Info(msg)
	return nil
}

type failAction struct {
	msg string
}

func (a failAction) Run(_ context.Context, vars *graph.Vars) error {
	msg, err := Expand(a.msg, vars)
	if err != nil {
		return err
	}
	return errors.New(msg)
}

type nestingKey struct{}

// nest returns ctx one nesting level deeper, or ErrNesting past limit.
func nest(ctx context.Context, limit int) (context.Context, error) {
	depth, _ := ctx.Value(nestingKey{}).(int)
	if depth+1 > limit {
		return nil, fmt.Errorf("%w (max %d)", ErrNesting, limit)
	}
	return context.WithValue(ctx, nestingKey{}, depth+1), nil
}

// processAction runs a nested script in a fresh engine.
type processAction struct {
	path       string
	scripts    *nestedScripts
	maxNesting int
	spec       ProcessSpec
	log        logx.Logger
}

func (a processAction) Run(ctx context.Context, vars *graph.Vars) error {
	ns, ok := a.scripts.get(a.path)
	if !ok {
		return fmt.Errorf("process %s: script not compiled", a.path)
	}
	ctx, err := nest(ctx, a.maxNesting)
	if err != nil {
		return fmt.Errorf("process %s: %w", ns.name, err)
	}
	child := graph.NewVars(ns.defaults)
	for k, v := range a.spec.Vars {
		ev, err := expandValue(v, vars)
		if err != nil {
			return fmt.Errorf("process %s: %w", ns.name, err)
		}
		child.Set(k, ev)
	}
	args, err := expandAll(a.spec.Args, vars)
	if err != nil {
		return fmt.Errorf("process %s: %w", ns.name, err)
	}
	bindArgs(child, args)

	eng := graph.New(ns.g, child, graph.WithLogger(a.log.With(logx.String("process", ns.name))))
	res, err := eng.Run(ctx)
	if err != nil {
		return err
	}
	if err := outcomeErr(ctx, res); err != nil {
		return fmt.Errorf("process %s: %w", ns.name, err)
	}
	for _, name := range a.spec.Export {
		if v, ok := child.Get(name); ok {
			vars.Set(name, v)
		}
	}
	return nil
}

// forEachAction runs a sub-graph once per list element.
type forEachAction struct {
	spec       ForEachSpec
	g          *graph.Graph
	maxNesting int
	log        logx.Logger
}

func (a forEachAction) Run(ctx context.Context, vars *graph.Vars) error {
	ctx, err := nest(ctx, a.maxNesting)
	if err != nil {
		return fmt.Errorf("for_each: %w", err)
	}
	raw, ok := vars.Get(a.spec.List)
	if !ok {
		return fmt.Errorf("for_each: %w: %s", ErrUndefined, a.spec.List)
	}
	items := toList(raw)
	as := a.spec.As
	if as == "" {
		as = "item"
	}
	one := func(i int) error {
		child := vars.Clone()
		child.Set(as, items[i])
		child.Set("index", i)
		eng := graph.New(a.g, child, graph.WithLogger(a.log.With(logx.Int("index", i))))
		res, err := eng.Run(ctx)
		if err != nil {
			return err
		}
		if err := outcomeErr(ctx, res); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		return nil
	}

	if !a.spec.Parallel {
		for i := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := one(i); err != nil {
				return err
			}
		}
		return nil
	}

	limit := a.spec.MaxParallel
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	sem := make(chan struct{}, max(limit, 1))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			errs[i] = one(i)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// outcomeErr maps a nested result to the error of the enclosing task.
func outcomeErr(ctx context.Context, res *graph.Result) error {
	switch res.Outcome() {
	case graph.Succeeded:
		return nil
	case graph.Terminated:
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("terminated")
	default:
		return errors.New(res.FirstError())
	}
}

func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		parts := strings.Split(x, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out
	default:
		return []any{x}
	}
}

// bindArgs sets arg1..argN and argc.
func bindArgs(vars *graph.Vars, args []string) {
	for i, a := range args {
		vars.Set(fmt.Sprintf("arg%d", i+1), a)
	}
	vars.Set("argc", len(args))
}
