package query

import (
	"errors"
	"fmt"
)

// Phase names the step of a query run that failed
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseIterate Phase = "iterate"
)

// ExecutionError is a backend failure captured while running a query.
// Its message is what callers see as caughtException.
type ExecutionError struct {
	Phase Phase
	Err   error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ErrTraversal is returned when a traversal plan is refused
var ErrTraversal = errors.New("traversal query refused")

// ReadLimitError is returned when a query reads more rows than allowed
type ReadLimitError struct {
	Limit int
}

func (e *ReadLimitError) Error() string {
	return fmt.Sprintf("The query read more than %d nodes. To avoid affecting other tasks, processing was stopped.", e.Limit)
}
