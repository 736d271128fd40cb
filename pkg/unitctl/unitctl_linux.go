//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

type systemd struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &systemd{conn: conn}, nil
}

func (m *systemd) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues the job in "replace" mode and waits for systemd to report its
// result.
func (m *systemd) Do(ctx context.Context, op Op, unit string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	var err error
	switch op {
	case OpStart:
		_, err = m.conn.StartUnitContext(ctx, name, "replace", done)
	case OpStop:
		_, err = m.conn.StopUnitContext(ctx, name, "replace", done)
	case OpRestart:
		_, err = m.conn.RestartUnitContext(ctx, name, "replace", done)
	case OpReload:
		_, err = m.conn.ReloadUnitContext(ctx, name, "replace", done)
	default:
		return fmt.Errorf("%w: %q", ErrBadOp, op)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%w: %s %s: %s", ErrJobFailed, op, name, res)
		}
		return nil
	}
}

func (m *systemd) Status(ctx context.Context, unit string) (Status, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return Status{}, ErrClosed
	}
	name := UnitName(unit)
	missing := Status{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{name})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == name {
				u = x
				break
			}
		}
		if u.LoadState == "not-found" {
			return missing, nil
		}
		return Status{Name: name, Active: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState, Description: u.Description}, nil
	}

	// Inactive units are not always listed; fall back to the property map.
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return missing, nil
		}
		return Status{}, fmt.Errorf("status %s: %w", name, err)
	}
	st := Status{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
	}
	if st.LoadState == "not-found" {
		return missing, nil
	}
	return st, nil
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}
