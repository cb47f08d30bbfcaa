package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid graph")
	ErrCycle        = errors.New("cycle detected")
)

// GraphError wraps a structural validation failure.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// CycleError reports the blocks forming a dependency cycle, in cycle order.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	if e == nil || len(e.Nodes) == 0 {
		return ErrCycle.Error()
	}
	path := append(append([]string(nil), e.Nodes...), e.Nodes[0])
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}
