package resolver

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/docflow/types"
)

var (
	// ErrAssigneeDisabled is returned when a named user exists but may not act.
	ErrAssigneeDisabled = errors.New("assignee is disabled")
	// ErrScriptFailed covers every failure of a dynamic assignee script, timeouts included.
	ErrScriptFailed = errors.New("dynamic assignee script failed")
	// ErrEmptyResolution means a step that needs a human resolved to nobody.
	ErrEmptyResolution = errors.New("assignee resolution is empty")
)

// ResolutionError describes why a step's assignees could not be computed.
type ResolutionError struct {
	Step  int
	Type  types.AssigneeType
	Value string
	Kind  error
	Cause error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve step %d (%s %q): %v", e.Step, e.Type, e.Value, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
