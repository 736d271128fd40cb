package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Parse decodes a YAML script. Unknown keys are rejected.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := decodeStrict(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	if len(s.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidScript)
	}
	if err := validateTasks(s.Tasks, ""); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses the script at path. The script name defaults
// to the file name without extension.
func LoadFile(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	if strings.TrimSpace(s.Name) == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// ParseProps decodes a YAML property file.
func ParseProps(data []byte) (*Props, error) {
	var p Props
	if err := decodeStrict(data, &p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("props: %w", err)
	}
	for name, c := range p.Connections {
		if strings.TrimSpace(c.Driver) == "" {
			return nil, fmt.Errorf("props: connection %q: driver is required", name)
		}
	}
	return &p, nil
}

// LoadProps reads and parses the property file at path.
func LoadProps(path string) (*Props, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParseProps(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document: %w", err)
		}
		return err
	}
	return nil
}

func validateTasks(tasks []TaskSpec, scope string) error {
	for i, t := range tasks {
		where := fmt.Sprintf("%stask %d", scope, i+1)
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: %s: name is required", ErrInvalidScript, where)
		}
		where = fmt.Sprintf("%stask %q", scope, t.Name)
		if n := t.actionCount(); n != 1 {
			return fmt.Errorf("%w: %s: exactly one action required, got %d", ErrInvalidScript, where, n)
		}
		switch {
		case t.Exec != nil && strings.TrimSpace(t.Exec.Command) == "":
			return fmt.Errorf("%w: %s: exec.command is required", ErrInvalidScript, where)
		case t.SQL != nil && strings.TrimSpace(t.SQL.Conn) == "":
			return fmt.Errorf("%w: %s: sql.conn is required", ErrInvalidScript, where)
		case t.SQL != nil && t.SQL.Statement == "" && len(t.SQL.Statements) == 0 && t.SQL.Query == "":
			return fmt.Errorf("%w: %s: sql needs a statement or a query", ErrInvalidScript, where)
		case t.SQL != nil && t.SQL.Query != "" && t.SQL.Into == "":
			return fmt.Errorf("%w: %s: sql.query needs sql.into", ErrInvalidScript, where)
		case t.Process != nil && strings.TrimSpace(t.Process.Script) == "":
			return fmt.Errorf("%w: %s: process.script is required", ErrInvalidScript, where)
		case t.ForEach != nil && strings.TrimSpace(t.ForEach.List) == "":
			return fmt.Errorf("%w: %s: for_each.list is required", ErrInvalidScript, where)
		case t.ForEach != nil && len(t.ForEach.Tasks) == 0:
			return fmt.Errorf("%w: %s: for_each.tasks is empty", ErrInvalidScript, where)
		case t.Unit != nil && strings.TrimSpace(t.Unit.Name) == "":
			return fmt.Errorf("%w: %s: unit.name is required", ErrInvalidScript, where)
		}
		if t.ForEach != nil {
			if err := validateTasks(t.ForEach.Tasks, where+" > "); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t TaskSpec) actionCount() int {
	n := 0
	for _, set := range []bool{
		t.Exec != nil,
		t.SQL != nil,
		t.Sleep != "",
		t.Set != nil,
		t.Log != "",
		t.Fail != "",
		t.Process != nil,
		t.ForEach != nil,
		t.Unit != nil,
	} {
		if set {
			n++
		}
	}
	return n
}
