// Package unitctl starts, stops and inspects systemd units over D-Bus.
package unitctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("unitctl: systemd is only available on linux")
	ErrClosed      = errors.New("unitctl: connection is closed")
	ErrBadOp       = errors.New("unitctl: unknown operation")
	ErrJobFailed   = errors.New("unitctl: job did not complete")
)

// Op is a unit operation.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpReload  Op = "reload"
	OpStatus  Op = "status"
)

// ParseOp accepts an operation name in any case. Empty means status.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case "":
		return OpStatus, nil
	case OpStart, OpStop, OpRestart, OpReload, OpStatus:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadOp, s)
	}
}

// Status is the core state of one unit.
type Status struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
}

// Found reports whether systemd knows the unit.
func (s Status) Found() bool { return s.LoadState != "not-found" }

// Manager runs unit operations.
type Manager interface {
	Do(ctx context.Context, op Op, unit string) error
	Status(ctx context.Context, unit string) (Status, error)
	Close() error
}

// Dialer opens a Manager. Connect is the production dialer.
type Dialer func(ctx context.Context) (Manager, error)

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

func isNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
