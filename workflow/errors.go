package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/docflow/types"
)

// Action rejection kinds, matched with errors.Is against an *ActionError.
var (
	ErrActionNotAllowedForStep = errors.New("action not allowed for step")
	ErrActorNotAuthorized      = errors.New("actor not authorized")
	ErrConditionNotMet         = errors.New("step conditions not met")
	ErrStaleStep               = errors.New("step is no longer active")
	ErrMissingReason           = errors.New("reason is required")
	ErrMissingNextStep         = errors.New("next step is required")
	ErrNoTransition            = errors.New("no transition matches")
)

var (
	ErrInvalidState        = errors.New("invalid instance state")
	ErrNotPermitted        = errors.New("operation not permitted")
	ErrDefinitionImmutable = errors.New("definition is active and immutable")
	ErrDefinitionInactive  = errors.New("definition is not active")
	ErrNoDefinition        = errors.New("no matching workflow definition")
	ErrRoutingDepth        = errors.New("automatic routing exceeded maximum depth")
)

// ActionError rejects an action request without changing the instance.
type ActionError struct {
	InstanceID uint64
	Step       int
	Action     string
	Actor      string
	Kind       error
	Cause      error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("instance %d step %d action %q by %q: %v", e.InstanceID, e.Step, e.Action, e.Actor, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// StateError is returned when an operation does not apply to the instance status.
type StateError struct {
	InstanceID uint64
	Status     types.Status
	Op         string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("instance %d: cannot %s while %s", e.InstanceID, e.Op, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// PermissionError is returned when the caller lacks the right for an operation.
type PermissionError struct {
	InstanceID uint64
	Actor      string
	Op         string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("instance %d: %q may not %s", e.InstanceID, e.Actor, e.Op)
}

func (e *PermissionError) Unwrap() error { return ErrNotPermitted }
