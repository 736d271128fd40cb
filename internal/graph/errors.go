package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid task graph")
	ErrCycle        = errors.New("cycle detected")
	ErrUnknownTask  = errors.New("unknown task")
	ErrSyntax       = errors.New("dependency syntax error")

	ErrAlreadyStarted = errors.New("engine already started")
)

// DefinitionError wraps a graph validation failure found before any run.
type DefinitionError struct {
	Kind error
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *DefinitionError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &DefinitionError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func unknownf(format string, args ...any) error {
	return &DefinitionError{Kind: ErrUnknownTask, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &DefinitionError{Kind: ErrCycle, Msg: msg}
}
