package script

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dbflow/internal/graph"
)

// compileGuard compiles a "when" expression. Variables are looked up in the
// run variables at evaluation time; unknown names evaluate to nil.
func compileGuard(src string) (graph.Guard, error) {
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: when %q: %w", ErrInvalidScript, src, err)
	}
	return exprGuard{src: src, prog: prog}, nil
}

type exprGuard struct {
	src  string
	prog *vm.Program
}

func (g exprGuard) Eval(vars *graph.Vars) (bool, error) {
	out, err := expr.Run(g.prog, vars.Snapshot())
	if err != nil {
		return false, fmt.Errorf("when %q: %w", g.src, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("when %q: got %T, want bool", g.src, out)
	}
	return ok, nil
}
