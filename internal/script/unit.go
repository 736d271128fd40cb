package script

import (
	"context"
	"fmt"

	"dbflow/internal/graph"
	"dbflow/pkg/logx"
	"dbflow/pkg/unitctl"
)

type unitAction struct {
	spec UnitSpec
	op   unitctl.Op
	dial unitctl.Dialer
	log  logx.Logger
}

func (a unitAction) Run(ctx context.Context, vars *graph.Vars) error {
	name, err := Expand(a.spec.Name, vars)
	if err != nil {
		return err
	}
	m, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	if a.op != unitctl.OpStatus {
		if err := m.Do(ctx, a.op, name); err != nil {
			return err
		}
		a.log.Info("unit job done", logx.String("unit", unitctl.UnitName(name)), logx.String("op", string(a.op)))
		return nil
	}

	st, err := m.Status(ctx, name)
	if err != nil {
		return err
	}
	if a.spec.Into != "" {
		vars.Set(a.spec.Into, st.Active)
	}
	if a.spec.Require != "" && st.Active != a.spec.Require {
		return fmt.Errorf("unit %s is %s/%s, want %s", st.Name, st.Active, st.SubState, a.spec.Require)
	}
	return nil
}
