package storage

import (
	"errors"
	"fmt"
	"strings"

	"dbflow/pkg/logx"
)

// Driver names a storage backend.
type Driver string

const (
	DriverNone   Driver = ""
	DriverMemory Driver = "memory"
	DriverFile   Driver = "file"
	DriverSQLite Driver = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// ParseDriver accepts the canonical names plus "none", "mem" and "sqlite3".
func ParseDriver(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return DriverNone, nil
	case "memory", "mem":
		return DriverMemory, nil
	case "file":
		return DriverFile, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	}
	return DriverNone, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
}

// NeedsPath reports whether the backend keeps its data at Config.Path.
func (d Driver) NeedsPath() bool { return d == DriverFile || d == DriverSQLite }

// Open returns the configured store, or (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	d, err := ParseDriver(cfg.Driver)
	if err != nil || d == DriverNone {
		return nil, err
	}
	if d.NeedsPath() && strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage: %s driver needs a path", d)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", string(d)))

	switch d {
	case DriverFile:
		return openFile(cfg, log)
	case DriverSQLite:
		return openSQLite(cfg, log)
	default:
		return NewMemory(), nil
	}
}
