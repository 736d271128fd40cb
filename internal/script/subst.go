package script

import (
	"fmt"
	"regexp"
	"strings"

	"dbflow/internal/graph"
)

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${name} references with the current value of the named
// variable. "$${" produces a literal "${".
func Expand(s string, vars *graph.Vars) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	const escaped = "\x00dollar\x00"
	s = strings.ReplaceAll(s, "$${", escaped)
	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := vars.Get(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return format(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUndefined, strings.Join(missing, ", "))
	}
	return strings.ReplaceAll(out, escaped, "${"), nil
}

func expandAll(in []string, vars *graph.Vars) ([]string, error) {
	out := make([]string, len(in))
	for i, s := range in {
		v, err := Expand(s, vars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// expandValue expands strings, including inside lists and maps.
func expandValue(v any, vars *graph.Vars) (any, error) {
	switch x := v.(type) {
	case string:
		return Expand(x, vars)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			e, err := expandValue(x[i], vars)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ev, err := expandValue(e, vars)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	default:
		return v, nil
	}
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
