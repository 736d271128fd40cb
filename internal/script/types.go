package script

import "errors"

var (
	ErrInvalidScript = errors.New("invalid script")
	ErrNesting       = errors.New("process nesting too deep")
	ErrUndefined     = errors.New("undefined variable")
	ErrNoConnection  = errors.New("unknown connection")
)

// Script is a parsed job script.
type Script struct {
	Name  string         `yaml:"name"`
	Vars  map[string]any `yaml:"vars,omitempty"`
	Tasks []TaskSpec     `yaml:"tasks"`

	// Path is the file the script was loaded from, if any.
	Path string `yaml:"-"`
}

// TaskSpec declares one task. Exactly one action field must be set.
type TaskSpec struct {
	Name    string `yaml:"name"`
	After   string `yaml:"after,omitempty"`
	When    string `yaml:"when,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`

	Exec    *ExecSpec      `yaml:"exec,omitempty"`
	SQL     *SQLSpec       `yaml:"sql,omitempty"`
	Sleep   string         `yaml:"sleep,omitempty"`
	Set     map[string]any `yaml:"set,omitempty"`
	Log     string         `yaml:"log,omitempty"`
	Fail    string         `yaml:"fail,omitempty"`
	Process *ProcessSpec   `yaml:"process,omitempty"`
	ForEach *ForEachSpec   `yaml:"for_each,omitempty"`
	Unit    *UnitSpec      `yaml:"unit,omitempty"`
}

// ExecSpec runs an external command. Capture stores trimmed stdout in the
// named variable.
type ExecSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Capture string            `yaml:"capture,omitempty"`
}

// SQLSpec runs statements in one transaction on a named connection and,
// optionally, a query whose first column of the first row is stored in Into.
type SQLSpec struct {
	Conn       string   `yaml:"conn"`
	Statement  string   `yaml:"statement,omitempty"`
	Statements []string `yaml:"statements,omitempty"`
	Query      string   `yaml:"query,omitempty"`
	Into       string   `yaml:"into,omitempty"`
}

// ProcessSpec runs another script as a nested process with its own
// variables. Export copies the named child variables back on success.
type ProcessSpec struct {
	Script string         `yaml:"script"`
	Args   []string       `yaml:"args,omitempty"`
	Vars   map[string]any `yaml:"vars,omitempty"`
	Export []string       `yaml:"export,omitempty"`
}

// ForEachSpec runs Tasks once per element of the list variable List, with
// the element bound to As (default "item") and its position to "index".
type ForEachSpec struct {
	List        string     `yaml:"list"`
	As          string     `yaml:"as,omitempty"`
	Parallel    bool       `yaml:"parallel,omitempty"`
	MaxParallel int        `yaml:"max_parallel,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// UnitSpec controls a systemd unit. Op is start, stop, restart, reload or
// status (the default). Status stores the active state in Into and fails
// unless it equals Require, when Require is set.
type UnitSpec struct {
	Name    string `yaml:"name"`
	Op      string `yaml:"op,omitempty"`
	Into    string `yaml:"into,omitempty"`
	Require string `yaml:"require,omitempty"`
}

// Props is a property file: variable defaults and named connections.
type Props struct {
	Vars        map[string]any      `yaml:"vars,omitempty"`
	Connections map[string]ConnSpec `yaml:"connections,omitempty"`
}

// ConnSpec names a database/sql driver and data source.
type ConnSpec struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}
